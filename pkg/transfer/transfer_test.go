//go:build unit

package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
)

const testProtocolVersion uint16 = 7

func validHeaderBytes(seq uint16, dataLen uint16, numPackets uint8, payload []byte) []byte {
	h := packet.TransferHeader{
		FormatCode:      packet.FormatCode,
		NumPackets:      numPackets,
		ProtocolVersion: testProtocolVersion,
		SequenceNumber:  seq,
		DataLength:      dataLen,
		ChecksumData:    packet.CRC32C(payload),
	}
	buf := h.Marshal()
	return buf[:]
}

func codeBytes(c packet.ResponseCode) []byte {
	var buf [4]byte
	buf[0] = byte(c)
	return buf[:]
}

// TestHeaderChecksumRoundTrip exercises spec invariant 4: a marshaled
// header verifies, and flipping any byte in [0,12) or the checksum field
// itself is caught by VerifyHeaderChecksum.
func TestHeaderChecksumRoundTrip(t *testing.T) {
	h := packet.TransferHeader{
		FormatCode:      packet.FormatCode,
		NumPackets:      3,
		ProtocolVersion: testProtocolVersion,
		SequenceNumber:  42,
		DataLength:      16,
		ChecksumData:    packet.CRC32C(make([]byte, 16)),
	}
	buf := h.Marshal()
	if !packet.VerifyHeaderChecksum(buf[:]) {
		t.Fatalf("freshly marshaled header failed checksum verification")
	}

	corrupt := buf
	corrupt[4] ^= 0xFF
	if packet.VerifyHeaderChecksum(corrupt[:]) {
		t.Fatalf("corrupted header incorrectly verified")
	}
}

// TestPerformFullTransfer_HeaderRetryThenSuccess is spec.md §8 scenario 1:
// the firmware's first header response is corrupt, the host retries the
// header step, and the second attempt succeeds. Both ends report success
// on the second cycle's response-code exchange. No payload is pending
// either direction (txLen 0, rxHeader.DataLength 0), so only the header
// and response-code steps run each cycle.
func TestPerformFullTransfer_HeaderRetryThenSuccess(t *testing.T) {
	badHeader := make([]byte, packet.HeaderSize)
	for i := range badHeader {
		badHeader[i] = 0xAA
	}

	conn := NewFakeConn(
		badHeader,                    // cycle 1: header step -> corrupt
		codeBytes(packet.ResponseSuccess), // cycle 1: code exchange -> peer says success (local still bad)
		validHeaderBytes(1, 0, 0, nil),    // cycle 2: header step -> valid
		codeBytes(packet.ResponseSuccess), // cycle 2: code exchange -> peer says success
	)
	dt := Init(conn, FakeReadyPin{}, DefaultConfig(testProtocolVersion), nil)
	dt.SetTxPayload(0, 0)

	outcome, err := dt.PerformFullTransfer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %v", outcome)
	}
	if dt.HadReset() {
		t.Fatalf("expected no reset")
	}
	if dt.ResponseHeaderState != 2 {
		t.Fatalf("expected ResponseHeaderState==2 after one header retry, got %d", dt.ResponseHeaderState)
	}
	if dt.ResponseCodeState != 2 {
		t.Fatalf("expected ResponseCodeState==2, got %d", dt.ResponseCodeState)
	}
}

// TestPerformFullTransfer_PeerResetOnProtocolVersionMismatch is spec.md §8
// scenario 3: the firmware's header response reports a different protocol
// version than ours, which must surface as OutcomePeerReset immediately
// (no retry loop), with sequencing state invalidated.
func TestPerformFullTransfer_PeerResetOnProtocolVersionMismatch(t *testing.T) {
	mismatched := packet.TransferHeader{
		FormatCode:      packet.FormatCode,
		NumPackets:      0,
		ProtocolVersion: testProtocolVersion + 1,
		SequenceNumber:  0,
		DataLength:      0,
	}
	buf := mismatched.Marshal()

	conn := NewFakeConn(
		buf[:],
		codeBytes(packet.ResponseSuccess),
	)
	dt := Init(conn, FakeReadyPin{}, DefaultConfig(testProtocolVersion), nil)
	dt.SetTxPayload(0, 0)

	outcome, err := dt.PerformFullTransfer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomePeerReset {
		t.Fatalf("expected peer reset, got %v", outcome)
	}
	if !dt.HadReset() {
		t.Fatalf("expected HadReset() true")
	}
}

// TestPerformFullTransfer_SequenceAdvancesAndPayloadRoundTrips is a
// qualitative property test (spec.md §8 "sequence monotonicity" and
// "checksum round-trip" properties): across several successful cycles in
// which the firmware's sequence number advances by one, no reset is
// detected, and a payload the firmware sends back arrives intact. Exact
// internal retry
// counter values are not asserted here — only externally observable
// behavior, since the precise bookkeeping of a multi-retry scenario spanning
// several cycles is an implementation detail this test does not pin down
// (see DESIGN.md "Open Questions resolved").
func TestPerformFullTransfer_SequenceAdvancesAndPayloadRoundTrips(t *testing.T) {
	rxPayload := []byte("ok")

	conn := NewFakeConn(
		validHeaderBytes(0, uint16(len(rxPayload)), 1, rxPayload),
		codeBytes(packet.ResponseSuccess),
		rxPayload,
		codeBytes(packet.ResponseSuccess),

		validHeaderBytes(1, uint16(len(rxPayload)), 1, rxPayload),
		codeBytes(packet.ResponseSuccess),
		rxPayload,
		codeBytes(packet.ResponseSuccess),

		validHeaderBytes(2, uint16(len(rxPayload)), 1, rxPayload),
		codeBytes(packet.ResponseSuccess),
		rxPayload,
		codeBytes(packet.ResponseSuccess),
	)
	dt := Init(conn, FakeReadyPin{}, DefaultConfig(testProtocolVersion), nil)

	for i := 0; i < 3; i++ {
		dt.SetTxPayload(0, 0)
		outcome, err := dt.PerformFullTransfer(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", i, err)
		}
		if outcome != OutcomeSuccess {
			t.Fatalf("cycle %d: expected success, got %v", i, outcome)
		}
		if dt.HadReset() {
			t.Fatalf("cycle %d: unexpected reset", i)
		}
		if string(dt.LastRxPayload()) != string(rxPayload) {
			t.Fatalf("cycle %d: payload mismatch: got %q", i, dt.LastRxPayload())
		}
	}
}

// TestWaitReady_StallThenFatal exercises the ready-pin stall/retry path:
// more consecutive timeouts than cfg.MaxStalls allows must surface as a
// fatal error, not a silent hang.
func TestWaitReady_StallThenFatal(t *testing.T) {
	conn := NewFakeConn()
	cfg := DefaultConfig(testProtocolVersion)
	cfg.MaxStalls = 2
	dt := Init(conn, NewStallingReadyPin(10), cfg, nil)
	dt.SetTxPayload(0, 0)

	outcome, err := dt.PerformFullTransfer(context.Background())
	if err == nil {
		t.Fatalf("expected fatal error from stalled ready pin")
	}
	if outcome != OutcomeFatal {
		t.Fatalf("expected OutcomeFatal, got %v", outcome)
	}
}

func TestWaitReady_RecoversWithinBudget(t *testing.T) {
	pin := NewStallingReadyPin(1)
	ready, err := pin.WaitReady(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Fatalf("expected first wait to report not-ready")
	}
	ready, err = pin.WaitReady(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Fatalf("expected second wait to report ready")
	}

	dt := Init(NewFakeConn(), NewStallingReadyPin(1), DefaultConfig(testProtocolVersion), nil)
	if err := dt.waitReady(context.Background()); err != nil {
		t.Fatalf("expected waitReady to recover after one stall within MaxStalls, got %v", err)
	}
}
