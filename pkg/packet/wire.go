// Package packet implements the PacketCodec of spec.md §4.B: a 26-kind
// tagged union (14 host->firmware, 12 firmware->host kinds) of
// fixed-layout little-endian request/response packets,
// each optionally followed by a length-prefixed string or blob tail padded
// to a 4-byte boundary.
//
// Every kind is packed by hand with encoding/binary, the same way the
// teacher packs its own wire structs (see pkg/driver/packed.go in the
// retrieval pack) rather than through a generic struct-tag codec — no
// example in the corpus reaches for a reflection-based binary codec for
// this kind of fixed record.
package packet

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// FormatCode identifies this protocol family on the wire (spec.md §3).
const FormatCode = 0x5A

// ProtocolVersion is this module's SBC<->firmware protocol version
// (spec.md §3 "protocolVersion"). DataTransfer rejects any peer whose
// header carries a different value as a reset (spec.md §4.A).
const ProtocolVersion uint16 = 3

// HeaderSize is the fixed 16-byte transfer header size.
const HeaderSize = 16

// PacketHeaderSize is the fixed 8-byte per-packet header size.
const PacketHeaderSize = 8

// MaxDataLength is the maximum payload size spec.md §3 allows.
const MaxDataLength = 2048

// castagnoli is the CRC32C table used throughout the transfer layer
// (spec.md §4.A: "CRC32C (Castagnoli) polynomial").
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the Castagnoli CRC32 of data, matching spec.md §4.A's
// "initial value 0xFFFFFFFF; final xor 0xFFFFFFFF" — which is exactly what
// the standard IEEE-style CRC32 algorithm with the Castagnoli polynomial
// already does, so no bespoke initial/final XOR handling is needed here.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// TransferHeader is the 16-byte header exchanged at the start of every
// transfer (spec.md §3).
type TransferHeader struct {
	FormatCode      uint8
	NumPackets      uint8
	ProtocolVersion uint16
	SequenceNumber  uint16
	DataLength      uint16
	ChecksumData    uint32
	ChecksumHeader  uint32
}

// Marshal encodes h into a 16-byte wire buffer, computing ChecksumHeader
// over bytes [0,12) as spec.md §4.A requires ("excluding the
// checksumHeader field itself").
func (h TransferHeader) Marshal() [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.FormatCode
	buf[1] = h.NumPackets
	binary.LittleEndian.PutUint16(buf[2:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint16(buf[4:6], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[6:8], h.DataLength)
	binary.LittleEndian.PutUint32(buf[8:12], h.ChecksumData)
	checksumHeader := CRC32C(buf[0:12])
	binary.LittleEndian.PutUint32(buf[12:16], checksumHeader)
	return buf
}

// UnmarshalTransferHeader decodes a 16-byte wire buffer without validating
// checksums; callers must call VerifyHeaderChecksum before trusting any
// other field (spec.md invariant 4).
func UnmarshalTransferHeader(buf []byte) (TransferHeader, error) {
	if len(buf) < HeaderSize {
		return TransferHeader{}, status.New(status.StatusBadFormat, "short transfer header")
	}
	return TransferHeader{
		FormatCode:      buf[0],
		NumPackets:      buf[1],
		ProtocolVersion: binary.LittleEndian.Uint16(buf[2:4]),
		SequenceNumber:  binary.LittleEndian.Uint16(buf[4:6]),
		DataLength:      binary.LittleEndian.Uint16(buf[6:8]),
		ChecksumData:    binary.LittleEndian.Uint32(buf[8:12]),
		ChecksumHeader:  binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// VerifyHeaderChecksum recomputes the checksum over bytes [0,12) of buf and
// compares it to the header's ChecksumHeader field. This must be the first
// thing done to any received header (spec.md invariant 4).
func VerifyHeaderChecksum(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}
	return CRC32C(buf[0:12]) == binary.LittleEndian.Uint32(buf[12:16])
}

// VerifyDataChecksum checks payload (exactly dataLength bytes, pre-pad)
// against the header's ChecksumData field.
func VerifyDataChecksum(h TransferHeader, payload []byte) bool {
	if len(payload) < int(h.DataLength) {
		return false
	}
	return CRC32C(payload[:h.DataLength]) == h.ChecksumData
}

// PacketHeader is the 8-byte header preceding every packet body.
type PacketHeader struct {
	Request        uint16
	ID             uint16
	Length         uint16
	ResendPacketID uint16
}

func (h PacketHeader) Marshal() [PacketHeaderSize]byte {
	var buf [PacketHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Request)
	binary.LittleEndian.PutUint16(buf[2:4], h.ID)
	binary.LittleEndian.PutUint16(buf[4:6], h.Length)
	binary.LittleEndian.PutUint16(buf[6:8], h.ResendPacketID)
	return buf
}

func UnmarshalPacketHeader(buf []byte) (PacketHeader, error) {
	if len(buf) < PacketHeaderSize {
		return PacketHeader{}, status.New(status.StatusBadFormat, "short packet header")
	}
	return PacketHeader{
		Request:        binary.LittleEndian.Uint16(buf[0:2]),
		ID:             binary.LittleEndian.Uint16(buf[2:4]),
		Length:         binary.LittleEndian.Uint16(buf[4:6]),
		ResendPacketID: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// Pad4 returns n rounded up to the next multiple of 4, for the payload's
// 4-byte alignment rule (spec.md §3).
func Pad4(n int) int {
	return (n + 3) &^ 3
}
