// Package transfer implements DataTransfer (spec.md §4.A): packet framing,
// dual CRC32C, full-duplex SPI exchange, and the retry/resync protocol
// with the firmware. The four-exchange wire protocol is modeled as the
// explicit state machine called out in spec.md Design Notes §9
// (AwaitHeader -> AwaitHeaderResp -> AwaitPayload -> AwaitPayloadResp ->
// Done|Retry|Reset) rather than an implicit loop.
package transfer

import (
	"context"
	"time"

	"github.com/op/go-logging"

	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// Outcome is the result of one PerformFullTransfer call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePeerReset
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePeerReset:
		return "peerReset"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Conn is the full-duplex SPI connection DataTransfer drives. It is
// satisfied directly by periph.io/x/periph/conn.Conn (bus.Tx), which is
// how production code wires a real SPI port in; tests substitute an
// in-memory loopback pair (see loopback.go).
type Conn interface {
	Tx(w, r []byte) error
}

// ReadyPin is the transferReady GPIO line DataTransfer polls before each
// exchange step. It is satisfied by *pkg/gpioline.Pin in production.
type ReadyPin interface {
	WaitReady(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config tunes the transport's retry/timeout behavior (spec.md §4.A).
type Config struct {
	ProtocolVersion uint16
	ReadyTimeout    time.Duration // default 500ms
	MaxStalls       int           // default 3 ready-timeouts before fatal
	MaxRetries      int           // default 5 header/payload retries before fatal
}

// DefaultConfig returns the defaults named in spec.md §4.A.
func DefaultConfig(protocolVersion uint16) Config {
	return Config{
		ProtocolVersion: protocolVersion,
		ReadyTimeout:    500 * time.Millisecond,
		MaxStalls:       3,
		MaxRetries:      5,
	}
}

// DataTransfer is the sole owner of the SPI bus, the ready pin, and the
// fixed tx/rx buffers (spec.md §5: "owned exclusively by the Processor",
// which in this module holds the one DataTransfer instance).
type DataTransfer struct {
	conn Conn
	pin  ReadyPin
	cfg  Config
	log  *logging.Logger

	txSeq uint16

	haveLastRxSeq  bool
	lastRxSeq      uint16
	lastTransferOK bool

	haveAcceptedVersion bool
	acceptedVersion     uint16

	txBuf        [packet.MaxDataLength]byte
	rxBuf        [packet.MaxDataLength]byte
	txLen        int
	txNumPackets uint8

	lastRxPayload []byte
	lastRxNumPkts uint8
	hadReset      bool

	// Diagnostic counters exposed for scenario testing (spec.md §8):
	// ResponseHeaderState counts header(step1) exchanges performed;
	// ResponseCodeState counts response-code(step2/step4) exchanges.
	ResponseHeaderState int
	ResponseCodeState   int

	// Cumulative counters for pkg/diag, surviving across PerformFullTransfer
	// calls (unlike hadReset, which is reset every cycle).
	PeerResetCount  int
	CRCFailureCount int
}

// Init constructs a DataTransfer bound to conn and pin (spec.md §4.A
// "init(readyPin, spiDevice)").
func Init(conn Conn, pin ReadyPin, cfg Config, log *logging.Logger) *DataTransfer {
	return &DataTransfer{conn: conn, pin: pin, cfg: cfg, log: log}
}

// TxBuffer returns the reusable tx payload buffer for the Processor to
// fill before the next PerformFullTransfer call (spec.md §4.A "Buffer
// discipline": two fixed buffers, reused every cycle).
func (d *DataTransfer) TxBuffer() []byte {
	return d.txBuf[:]
}

// SetTxPayload records how many bytes and packets of txBuf are valid for
// the next transfer.
func (d *DataTransfer) SetTxPayload(length int, numPackets uint8) {
	d.txLen = length
	d.txNumPackets = numPackets
}

// LastRxPayload returns the most recently received payload bytes.
func (d *DataTransfer) LastRxPayload() []byte {
	return d.lastRxPayload
}

// LastTxPayload returns the bytes of txBuf marked valid by the most recent
// SetTxPayload call, for callers that need to inspect what will be sent.
func (d *DataTransfer) LastTxPayload() []byte {
	return d.txBuf[:d.txLen]
}

// LastRxNumPackets returns the packet count from the most recent rx header.
func (d *DataTransfer) LastRxNumPackets() uint8 {
	return d.lastRxNumPkts
}

// HadReset reports whether the most recent transfer detected a firmware
// reset (spec.md §4.A "Peer-reset detection").
func (d *DataTransfer) HadReset() bool {
	return d.hadReset
}

func (d *DataTransfer) backoff(attempt int) {
	delay := time.Duration(attempt+1) * 10 * time.Millisecond
	if delay > 200*time.Millisecond {
		delay = 200 * time.Millisecond
	}
	time.Sleep(delay)
}

// waitReady blocks for the ready line, retrying up to cfg.MaxStalls times
// on timeout (spec.md §4.A "Ready signal": "A timeout is not fatal; it
// increments a stall counter and retries up to N times before declaring
// fatal").
func (d *DataTransfer) waitReady(ctx context.Context) error {
	for stalls := 0; stalls <= d.cfg.MaxStalls; stalls++ {
		ready, err := d.pin.WaitReady(ctx, d.cfg.ReadyTimeout)
		if err != nil {
			return status.NewWithCause(status.StatusFatal, "ready pin wait failed", err)
		}
		if ready {
			return nil
		}
		if d.log != nil {
			d.log.Debugf("ready pin timeout, stall %d/%d", stalls+1, d.cfg.MaxStalls)
		}
	}
	return status.New(status.StatusFatal, "ready pin stalled past retry limit")
}

// PerformFullTransfer runs one logical transfer cycle: up to four SPI
// exchanges (header, header-response, payload, payload-response), with
// header-step retry on a bad header response and payload-only retry on a
// bad payload response, as spec.md §4.A "Framing rules" specifies.
func (d *DataTransfer) PerformFullTransfer(ctx context.Context) (Outcome, error) {
	d.hadReset = false

	var txHeader packet.TransferHeader
	var rxHeaderBuf [packet.HeaderSize]byte

	for headerAttempt := 0; ; headerAttempt++ {
		if headerAttempt > d.cfg.MaxRetries {
			return OutcomeFatal, status.New(status.StatusFatal, "exceeded header retry limit")
		}

		txHeader = packet.TransferHeader{
			FormatCode:      packet.FormatCode,
			NumPackets:      d.txNumPackets,
			ProtocolVersion: d.cfg.ProtocolVersion,
			SequenceNumber:  d.txSeq,
			DataLength:      uint16(d.txLen),
			ChecksumData:    packet.CRC32C(d.txBuf[:d.txLen]),
		}
		txHeaderBuf := txHeader.Marshal()

		if err := d.waitReady(ctx); err != nil {
			return OutcomeFatal, err
		}
		if err := d.conn.Tx(txHeaderBuf[:], rxHeaderBuf[:]); err != nil {
			return OutcomeFatal, status.NewWithCause(status.StatusFatal, "header exchange failed", err)
		}
		d.ResponseHeaderState++

		headerCode := d.classifyRxHeader(rxHeaderBuf[:])

		if err := d.waitReady(ctx); err != nil {
			return OutcomeFatal, err
		}
		peerResp, err := d.exchangeResponseCode(headerCode)
		if err != nil {
			return OutcomeFatal, err
		}
		d.ResponseCodeState++

		if headerCode != packet.ResponseSuccess || peerResp != packet.ResponseSuccess {
			if headerCode == packet.ResponseBadProtocolVersion || peerResp == packet.ResponseBadProtocolVersion {
				d.invalidateOnReset()
				return OutcomePeerReset, nil
			}
			d.backoff(headerAttempt)
			continue
		}

		rxHeader, _ := packet.UnmarshalTransferHeader(rxHeaderBuf[:])
		for payloadAttempt := 0; ; payloadAttempt++ {
			outcome, retryPayload, err := d.runPayloadPhase(ctx, rxHeader)
			if err != nil {
				return OutcomeFatal, err
			}
			if !retryPayload {
				return outcome, nil
			}
			if payloadAttempt >= d.cfg.MaxRetries {
				return OutcomeFatal, status.New(status.StatusFatal, "exceeded payload retry limit")
			}
			d.backoff(payloadAttempt)
		}
	}
}

// runPayloadPhase performs the payload and payload-response exchanges (if
// either side has data to send) and evaluates reset detection. It returns
// retryPayload=true when a bad payload-response code should trigger a
// payload-only retry that keeps the already-accepted header valid.
func (d *DataTransfer) runPayloadPhase(ctx context.Context, rxHeader packet.TransferHeader) (Outcome, bool, error) {
	dataLen := rxHeader.DataLength
	if d.txLen > int(dataLen) {
		dataLen = uint16(d.txLen)
	}

	if dataLen > 0 {
		txPayload := make([]byte, dataLen)
		copy(txPayload, d.txBuf[:d.txLen])
		rxPayload := make([]byte, dataLen)

		if err := d.waitReady(ctx); err != nil {
			return OutcomeFatal, false, err
		}
		if err := d.conn.Tx(txPayload, rxPayload); err != nil {
			return OutcomeFatal, false, status.NewWithCause(status.StatusFatal, "payload exchange failed", err)
		}

		payloadOK := packet.VerifyDataChecksum(rxHeader, rxPayload)
		var localResp packet.ResponseCode
		if payloadOK {
			localResp = packet.ResponseSuccess
		} else {
			localResp = packet.ResponseBadDataChecksum
			d.CRCFailureCount++
		}

		if err := d.waitReady(ctx); err != nil {
			return OutcomeFatal, false, err
		}
		peerResp, err := d.exchangeResponseCode(localResp)
		if err != nil {
			return OutcomeFatal, false, err
		}
		d.ResponseCodeState++

		if localResp != packet.ResponseSuccess || peerResp != packet.ResponseSuccess {
			return OutcomeSuccess, true, nil
		}

		copy(d.rxBuf[:], rxPayload)
		d.lastRxPayload = d.rxBuf[:dataLen]
	} else {
		d.lastRxPayload = nil
	}
	d.lastRxNumPkts = rxHeader.NumPackets

	reset := d.detectReset(rxHeader)
	d.lastTransferOK = true
	d.haveLastRxSeq = true
	d.lastRxSeq = rxHeader.SequenceNumber
	d.haveAcceptedVersion = true
	d.acceptedVersion = rxHeader.ProtocolVersion
	d.txSeq++

	if reset {
		d.invalidateOnReset()
		return OutcomePeerReset, false, nil
	}
	return OutcomeSuccess, false, nil
}

// classifyRxHeader validates the received header's checksum first (spec.md
// invariant 4: "checksumHeader is verified before any other header field
// is trusted"), then its format and protocol version.
func (d *DataTransfer) classifyRxHeader(buf []byte) packet.ResponseCode {
	if !packet.VerifyHeaderChecksum(buf) {
		d.CRCFailureCount++
		return packet.ResponseBadHeaderChecksum
	}
	hdr, err := packet.UnmarshalTransferHeader(buf)
	if err != nil {
		return packet.ResponseBadFormat
	}
	if hdr.FormatCode != packet.FormatCode {
		return packet.ResponseBadFormat
	}
	if d.haveAcceptedVersion && hdr.ProtocolVersion != d.acceptedVersion {
		return packet.ResponseBadProtocolVersion
	}
	if hdr.ProtocolVersion != d.cfg.ProtocolVersion {
		return packet.ResponseBadProtocolVersion
	}
	return packet.ResponseSuccess
}

// exchangeResponseCode clocks out our 4-byte response code and returns the
// peer's.
func (d *DataTransfer) exchangeResponseCode(local packet.ResponseCode) (packet.ResponseCode, error) {
	var txBuf, rxBuf [4]byte
	txBuf[0] = byte(local)
	if err := d.conn.Tx(txBuf[:], rxBuf[:]); err != nil {
		return 0, status.NewWithCause(status.StatusFatal, "response code exchange failed", err)
	}
	return packet.ResponseCode(rxBuf[0]), nil
}

// detectReset implements spec.md §4.A "Peer-reset detection": a firmware
// restart is implied if the rx sequence doesn't continue from the last
// one (given the last transfer succeeded), or the protocol version
// changed from a previously accepted value.
func (d *DataTransfer) detectReset(rxHeader packet.TransferHeader) bool {
	if d.haveAcceptedVersion && rxHeader.ProtocolVersion != d.acceptedVersion {
		return true
	}
	if d.haveLastRxSeq && d.lastTransferOK {
		expected := d.lastRxSeq + 1
		if rxHeader.SequenceNumber != expected {
			return true
		}
	}
	return false
}

// invalidateOnReset drops in-flight sequencing state and restarts sequence
// numbers from 0, per spec.md §4.A "On reset".
func (d *DataTransfer) invalidateOnReset() {
	d.hadReset = true
	d.PeerResetCount++
	d.haveLastRxSeq = false
	d.lastTransferOK = false
	d.haveAcceptedVersion = false
	d.txSeq = 0
}
