package packet

import (
	"encoding/binary"

	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// Writer appends packets into a fixed-capacity transfer payload buffer,
// reused every cycle (spec.md §4.A "Buffer discipline"). A write that
// would overflow the buffer returns ErrFull so the caller can defer the
// packet to the next cycle instead of truncating it.
type Writer struct {
	buf   []byte
	count uint8
}

// NewWriter wraps buf (capacity MaxDataLength, typically) for appending.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

// ErrFull is returned by Writer.Put when a packet would overflow the
// remaining buffer capacity.
var ErrFull = status.New(status.StatusBufferFull, "tx buffer full")

// Put appends one packet (header + body, zero-padded to 4 bytes) for kind
// with the given id, or ErrFull if it would overflow the buffer.
func (w *Writer) Put(kind Kind, id uint16, resendID uint16, body []byte) error {
	padded := Pad4(len(body))
	total := PacketHeaderSize + padded
	if len(w.buf)+total > cap(w.buf) {
		return ErrFull
	}

	hdr := PacketHeader{Request: uint16(kind), ID: id, Length: uint16(len(body)), ResendPacketID: resendID}
	hb := hdr.Marshal()
	w.buf = append(w.buf, hb[:]...)
	w.buf = append(w.buf, body...)
	for i := len(body); i < padded; i++ {
		w.buf = append(w.buf, 0)
	}
	w.count++
	return nil
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Count returns the number of packets appended so far.
func (w *Writer) Count() uint8 { return w.count }

// Reset clears the writer for reuse against the same underlying array.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.count = 0
}

// Raw is one decoded packet before kind-specific parsing: header fields
// plus the raw body slice (exactly Length bytes, without the trailing
// padding).
type Raw struct {
	Header PacketHeader
	Body   []byte
}

// Decode walks payload (numPackets packets, dataLength meaningful bytes)
// and returns each packet's header and body. A packet whose declared
// Length exceeds the remaining bytes makes the whole payload corrupt
// (spec.md §4.B "Decoding rules"): the caller should treat this as
// StatusCorruptPayload and trigger a resend, not skip just that packet.
func Decode(payload []byte, numPackets uint8) ([]Raw, error) {
	out := make([]Raw, 0, numPackets)
	off := 0
	for i := uint8(0); i < numPackets; i++ {
		if off+PacketHeaderSize > len(payload) {
			return nil, status.New(status.StatusCorruptPayload, "truncated packet header")
		}
		hdr, err := UnmarshalPacketHeader(payload[off : off+PacketHeaderSize])
		if err != nil {
			return nil, err
		}
		off += PacketHeaderSize

		if off+int(hdr.Length) > len(payload) {
			return nil, status.New(status.StatusCorruptPayload, "packet length exceeds remaining payload")
		}
		body := payload[off : off+int(hdr.Length)]
		out = append(out, Raw{Header: hdr, Body: body})

		off += Pad4(int(hdr.Length))
	}
	return out, nil
}

// putString appends a length-prefixed UTF-8 string (uint16 length, bytes,
// no padding here — the caller pads the whole packet body to 4 bytes).
func putString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", off, status.New(status.StatusCorruptPayload, "truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+n > len(buf) {
		return "", off, status.New(status.StatusCorruptPayload, "truncated string body")
	}
	return string(buf[off : off+n]), off + n, nil
}
