//go:build unit

package processor

import (
	"context"
	"testing"

	"github.com/anthropics/rrf-spi-bridge/pkg/channel"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
	"github.com/anthropics/rrf-spi-bridge/pkg/transfer"
)

const testProtocolVersion uint16 = 3

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

type fakeOMSink struct {
	patches []ObjectModelPatch
}

func (f *fakeOMSink) ApplyPatch(p ObjectModelPatch) { f.patches = append(f.patches, p) }

type fakeMsgSink struct {
	messages []string
}

func (f *fakeMsgSink) Message(content string, flags uint16) { f.messages = append(f.messages, content) }

func newTestProcessor(conn transfer.Conn) *Processor {
	dt := transfer.Init(conn, transfer.FakeReadyPin{}, transfer.DefaultConfig(testProtocolVersion), nil)
	return New(dt, nil, &fakeOMSink{}, &fakeMsgSink{}, DefaultConfig())
}

// TestStartClearsTxPayloadAfterHandshake exercises spec.md §4.D "Startup":
// a ResetAll is sent once, synchronously, and on success the Processor is
// ready for RunCycle without resending it.
func TestStartClearsTxPayloadAfterHandshake(t *testing.T) {
	conn := transfer.NewFakeConn(
		validHeaderBytes(0, 0, 0, nil),
		codeBytes(packet.ResponseSuccess),
		nil, // payload step: ResetAll's packet header occupies 8 bytes
		codeBytes(packet.ResponseSuccess),
	)
	p := newTestProcessor(conn)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writes := conn.Writes()
	if len(writes) != 4 {
		t.Fatalf("expected 4 Tx calls during handshake, got %d", len(writes))
	}
	if got := len(p.transport.LastTxPayload()); got != 0 {
		t.Fatalf("expected tx payload cleared after handshake, got %d bytes", got)
	}
}

// TestRunCycleRoutesCodeReplyToChannel feeds a CodeReply packet in the rx
// payload and checks it resolves the matching channel's waiter.
func TestRunCycleRoutesCodeReplyToChannel(t *testing.T) {
	// The channel's pending code id is assigned by Push before the
	// Processor exists, so build the reply payload against a throwaway
	// channel.State with a matching id sequence.
	scratch := channel.New(packet.ChannelHTTP, nil)
	scratchHandle := scratch.Push("G28")

	w := packet.NewWriter(make([]byte, 0, packet.MaxDataLength))
	// CodeReplyBody is firmware->host only and has no Encode method, so its
	// layout is packed by hand: channel, pad, id, flags, then the
	// length-prefixed content "ok".
	id := scratchHandle.ID
	reply := []byte{byte(packet.ChannelHTTP), 0, byte(id), byte(id >> 8), 0, 0, 2, 0, 'o', 'k'}
	if err := w.Put(packet.KindCodeReply, 0, 0, reply); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	rxPayload := w.Bytes()

	conn := transfer.NewFakeConn(
		validHeaderBytes(0, uint16(len(rxPayload)), 1, rxPayload),
		codeBytes(packet.ResponseSuccess),
		rxPayload,
		codeBytes(packet.ResponseSuccess),
	)
	dt := transfer.Init(conn, transfer.FakeReadyPin{}, transfer.DefaultConfig(testProtocolVersion), nil)
	p := New(dt, nil, &fakeOMSink{}, &fakeMsgSink{}, DefaultConfig())
	ch := p.Channel(packet.ChannelHTTP)
	handle := ch.Push("G28")
	if handle.ID != scratchHandle.ID {
		t.Fatalf("id sequence mismatch: got %d want %d", handle.ID, scratchHandle.ID)
	}

	outcome, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if outcome != transfer.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %v", outcome)
	}

	res, err := handle.Waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("waiter: %v", err)
	}
	if res.Content != "ok" {
		t.Fatalf("expected reply content ok, got %q", res.Content)
	}
}

// TestRunCycleEncodesPushedCode checks that a pushed code ends up in the
// next tx payload as a Code packet addressed to the right channel.
func TestRunCycleEncodesPushedCode(t *testing.T) {
	conn := transfer.NewFakeConn(
		validHeaderBytes(0, 0, 0, nil),
		codeBytes(packet.ResponseSuccess),
	)
	dt := transfer.Init(conn, transfer.FakeReadyPin{}, transfer.DefaultConfig(testProtocolVersion), nil)
	p := New(dt, nil, &fakeOMSink{}, &fakeMsgSink{}, DefaultConfig())

	ch := p.Channel(packet.ChannelTelnet)
	ch.Push("M115")

	outcome, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if outcome != transfer.OutcomeSuccess {
		t.Fatalf("expected success, got %v", outcome)
	}

	decoded, err := packet.DecodeAll(dt.LastTxPayload(), 1, nil)
	if err != nil {
		t.Fatalf("decode tx payload: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Kind != packet.KindCode {
		t.Fatalf("expected one Code packet, got %+v", decoded)
	}
	body := decoded[0].Body.(packet.CodeBody)
	if body.Channel != packet.ChannelTelnet || body.Source != "M115" {
		t.Fatalf("unexpected encoded code: %+v", body)
	}
}

// TestRunCycleDefersCodesUnderByteBudgetWithoutDroppingAny exercises
// spec.md §8's buffer-full deferral scenario: with CycleByteBudget capped
// well below what 200 queued codes need, the Processor must spread them
// across several transfers rather than drop any once the first cycle's
// budget is exhausted.
func TestRunCycleDefersCodesUnderByteBudgetWithoutDroppingAny(t *testing.T) {
	const codeText = "G1"
	const codeSize = packet.PacketHeaderSize + 12 // CodeBody.Encode() for a 2-byte source
	const perCycle = 50
	const totalCodes = 200
	const cycles = totalCodes / perCycle

	responses := [][]byte{validHeaderBytes(0, 0, 0, nil), codeBytes(packet.ResponseSuccess)}
	zero := make([]byte, perCycle*codeSize)
	for i := 0; i < cycles; i++ {
		responses = append(responses,
			validHeaderBytes(uint16(i+1), uint16(len(zero)), 0, zero),
			codeBytes(packet.ResponseSuccess),
			zero,
			codeBytes(packet.ResponseSuccess),
		)
	}

	conn := transfer.NewFakeConn(responses...)
	dt := transfer.Init(conn, transfer.FakeReadyPin{}, transfer.DefaultConfig(testProtocolVersion), nil)
	cfg := DefaultConfig()
	cfg.CycleByteBudget = perCycle * codeSize
	p := New(dt, nil, &fakeOMSink{}, &fakeMsgSink{}, cfg)

	ch := p.Channel(packet.ChannelUSB)
	for i := 0; i < totalCodes; i++ {
		ch.Push(codeText)
	}

	totalEncoded := 0
	transfers := 0
	for transfers < 1+cycles {
		snapshot := append([]byte(nil), dt.LastTxPayload()...)
		outcome, err := p.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle %d: %v", transfers, err)
		}
		if outcome != transfer.OutcomeSuccess {
			t.Fatalf("RunCycle %d: expected success, got %v", transfers, outcome)
		}
		transfers++
		if len(snapshot) == 0 {
			continue
		}
		decoded, err := packet.DecodeAll(snapshot, uint8(len(snapshot)/codeSize), nil)
		if err != nil {
			t.Fatalf("decode tx payload for cycle %d: %v", transfers, err)
		}
		for _, d := range decoded {
			if d.Kind != packet.KindCode {
				t.Fatalf("unexpected packet kind %s in tx payload", d.Kind)
			}
			body := d.Body.(packet.CodeBody)
			if body.Channel != packet.ChannelUSB || body.Source != codeText {
				t.Fatalf("unexpected encoded code: %+v", body)
			}
		}
		totalEncoded += len(decoded)
	}

	if transfers < 4 {
		t.Fatalf("expected at least 4 transfers to drain 200 codes at %d/cycle, got %d", perCycle, transfers)
	}
	if totalEncoded != totalCodes {
		t.Fatalf("expected all %d codes encoded with none dropped, got %d", totalCodes, totalEncoded)
	}
	if ch.HasWork() {
		t.Fatalf("expected no remaining unsent work after draining the deferred backlog")
	}
}

// TestPeerResetReinitializesChannelsAndUnlocks confirms spec.md §4.D
// "if outcome == peerReset: reinitialize all channels", including the
// Unlock-on-held-lock behavior from SPEC_FULL.md §4.C.
func TestPeerResetReinitializesChannelsAndUnlocks(t *testing.T) {
	conn := transfer.NewFakeConn()
	p := newTestProcessor(conn)
	ch := p.Channel(packet.ChannelHTTP)

	lockHandle := ch.Lock()
	ch.NextLockToSend()
	ch.OnResourceLocked()
	if _, err := lockHandle.Waiter.Wait(context.Background()); err != nil {
		t.Fatalf("lock wait: %v", err)
	}

	p.reinitializeChannels()

	if !ch.NextLockToSend() {
		t.Fatalf("expected an Unlock-equivalent lock-queue entry to need sending after peer reset")
	}
}
