// Package processor implements the Processor (spec.md §4.D): the single
// task that owns DataTransfer and drives the per-cycle transfer -> decode
// -> route -> encode loop, generalizing the teacher's command-dispatch
// daemon shell (cmd/hailort/main.go) and its worker-pool-over-channel-ops
// pattern (pkg/infer/async.go) into a scheduler over many logical channels
// sharing one transport.
package processor

import (
	"context"
	"time"

	"github.com/op/go-logging"

	"github.com/anthropics/rrf-spi-bridge/pkg/channel"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
	"github.com/anthropics/rrf-spi-bridge/pkg/status"
	"github.com/anthropics/rrf-spi-bridge/pkg/transfer"
)

// ObjectModelPatch is the unit forwarded to the object-model mirror
// collaborator (SPEC_FULL.md §3).
type ObjectModelPatch struct {
	Raw []byte
}

// ObjectModelSink receives object-model patches. Implemented outside this
// module (SPEC_FULL.md §1 "Out of scope: the object-model mirror's
// diffing algorithm").
type ObjectModelSink interface {
	ApplyPatch(patch ObjectModelPatch)
}

// MessageSink receives firmware console/log messages.
type MessageSink interface {
	Message(content string, flags uint16)
}

// Config tunes the Processor's scheduling and startup behavior (SPEC_FULL
// §4.D).
type Config struct {
	// CycleByteBudget is the payload capacity minus headroom reserved for
	// priority packets (lock/unlock, replies, emergency stop).
	CycleByteBudget int
	// StartupTimeout bounds how long the Processor retries a disagreeing
	// protocol version before failing (spec.md §4.D "Startup").
	StartupTimeout time.Duration
}

// DefaultConfig returns reasonable scheduling defaults.
func DefaultConfig() Config {
	return Config{
		CycleByteBudget: packet.MaxDataLength - 64,
		StartupTimeout:  10 * time.Second,
	}
}

// Processor is the single owner of the transport and the per-channel
// scheduling state (spec.md §5 "Single-threaded cooperative Processor").
type Processor struct {
	transport *transfer.DataTransfer
	log       *logging.Logger
	cfg       Config

	omSink  ObjectModelSink
	msgSink MessageSink

	channels     map[packet.Channel]*channel.State
	channelOrder []packet.Channel
	credits      map[packet.Channel]int

	firmwareBufferSpace uint16
}

// New constructs a Processor over transport, with one channel.State per
// spec.md §3's ~12 logical channels.
func New(transport *transfer.DataTransfer, log *logging.Logger, omSink ObjectModelSink, msgSink MessageSink, cfg Config) *Processor {
	p := &Processor{
		transport: transport,
		log:       log,
		cfg:       cfg,
		omSink:    omSink,
		msgSink:   msgSink,
		channels:  make(map[packet.Channel]*channel.State, len(packet.AllChannels)),
		credits:   make(map[packet.Channel]int, len(packet.AllChannels)),
	}
	for _, id := range packet.AllChannels {
		p.channels[id] = channel.New(id, log)
		p.channelOrder = append(p.channelOrder, id)
		p.credits[id] = 0
	}
	return p
}

// Channel returns the channel.State for id, for pkg/ipc to push codes and
// flush/lock requests against.
func (p *Processor) Channel(id packet.Channel) *channel.State {
	return p.channels[id]
}

// Start performs the startup handshake (spec.md §4.D "Startup"): a
// ResetAll is sent synchronously before any channel work is accepted, and
// a protocol-version disagreement is retried with exponential backoff up
// to cfg.StartupTimeout before failing.
func (p *Processor) Start(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.StartupTimeout)
	backoff := 50 * time.Millisecond

	w := packet.NewWriter(p.transport.TxBuffer())
	if err := w.Put(packet.KindResetAll, 0, 0, packet.ResetAllBody{}.Encode()); err != nil {
		return err
	}
	p.transport.SetTxPayload(len(w.Bytes()), w.Count())

	for {
		outcome, err := p.transport.PerformFullTransfer(ctx)
		if err != nil {
			return err
		}
		if outcome == transfer.OutcomeFatal {
			return status.New(status.StatusFatal, "startup transfer failed")
		}
		if outcome == transfer.OutcomeSuccess {
			// The ResetAll payload was only for this one handshake cycle;
			// clear it so the first real RunCycle doesn't resend it.
			p.transport.SetTxPayload(0, 0)
			if p.log != nil {
				p.log.Infof("startup handshake complete")
			}
			return nil
		}
		// OutcomePeerReset: protocol version disagreement or firmware
		// restart observed mid-handshake. Retry with backoff.
		if time.Now().After(deadline) {
			return status.New(status.StatusFatal, "protocol version negotiation timed out")
		}
		if p.log != nil {
			p.log.Warningf("startup handshake saw peer reset, retrying in %s", backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

// RunCycle executes one iteration of spec.md §4.D's loop: a transfer, a
// decode+route pass over the rx payload, then an encode pass filling the
// tx payload for the next cycle.
func (p *Processor) RunCycle(ctx context.Context) (transfer.Outcome, error) {
	outcome, err := p.transport.PerformFullTransfer(ctx)
	if err != nil {
		return outcome, err
	}
	if outcome == transfer.OutcomePeerReset {
		p.reinitializeChannels()
		return outcome, nil
	}
	if outcome != transfer.OutcomeSuccess {
		return outcome, nil
	}

	if rx := p.transport.LastRxPayload(); len(rx) > 0 {
		decoded, err := packet.DecodeAll(rx, p.transport.LastRxNumPackets(), p.onUnknownKind)
		if err != nil {
			return transfer.OutcomeFatal, err
		}
		for _, d := range decoded {
			p.route(d)
		}
	}

	p.encodeOutgoing()
	return outcome, nil
}

func (p *Processor) onUnknownKind(kind packet.Kind) {
	if p.log != nil {
		p.log.Warningf("unknown packet kind %s", kind)
	}
}

// reinitializeChannels implements spec.md §4.D "if outcome == peerReset:
// reinitialize all channels": every channel is invalidated, and Unlock is
// called on any channel that reports a held lock. OnInvalidated has already
// cleared that lock state, so no Unlock packet is queued for the firmware.
func (p *Processor) reinitializeChannels() {
	for _, id := range p.channelOrder {
		ch := p.channels[id]
		if needsUnlock := ch.OnInvalidated(); needsUnlock {
			ch.Unlock()
		}
	}
}

// route dispatches one decoded firmware->host packet (spec.md §4.D
// "Routing").
func (p *Processor) route(d packet.Decoded) {
	switch body := d.Body.(type) {
	case packet.ObjectModelBody:
		if p.omSink != nil {
			p.omSink.ApplyPatch(ObjectModelPatch{Raw: body.Patch})
		}
	case packet.MessageBody:
		if p.msgSink != nil {
			p.msgSink.Message(body.Content, body.Flags)
		}
	case packet.CodeBufferUpdateBody:
		p.firmwareBufferSpace = body.BufferSpace
	case packet.CodeReplyBody:
		if ch, ok := p.channels[body.Channel]; ok {
			ch.OnReply(body.ID, body.Content, uint32(body.Flags))
		}
	case packet.MacroRequestBody:
		if ch, ok := p.channels[body.Channel]; ok {
			ch.OnMacroRequest(body.Filename, body.FromCode)
		}
	case packet.ExecuteMacroBody:
		if ch, ok := p.channels[body.Channel]; ok {
			ch.OnMacroRequest(body.Filename, false)
		}
	case packet.ResourceLockedBody:
		if ch, ok := p.channels[body.Channel]; ok {
			ch.OnResourceLocked()
		}
	case packet.AbortFileBody:
		if body.AbortAll {
			for _, id := range p.channelOrder {
				p.channels[id].OnAbort("AbortFile(all)")
			}
			return
		}
		if ch, ok := p.channels[body.Channel]; ok {
			ch.OnAbort("AbortFile")
		}
	case packet.PrintPausedBody:
		if p.log != nil {
			p.log.Infof("print paused at %d (reason %d)", body.FilePosition, body.Reason)
		}
	case packet.FileChunkRequestBody, packet.EvaluationResultBody, packet.DoCodeBody:
		// File streaming, expression evaluation, and ad hoc firmware code
		// injection are external collaborators behind narrow interfaces
		// (spec.md §1, §6); routing them further than logging is out of
		// scope for the core transport/channel layer this package owns.
		if p.log != nil {
			p.log.Debugf("unrouted packet kind %s", d.Kind)
		}
	}
}

// encodeOutgoing fills the tx payload for the next cycle from channel work,
// spending the byte budget in weighted round-robin order (SPEC_FULL.md
// §4.D "credit system"): a channel accrues one credit per cycle in which
// it encodes nothing, and its credit drops back to zero in any cycle in
// which it encodes something.
func (p *Processor) encodeOutgoing() {
	w := packet.NewWriter(p.transport.TxBuffer())
	budget := p.cfg.CycleByteBudget

	order := p.scheduleOrder()
	for _, id := range order {
		ch := p.channels[id]
		serviced := false
		for budget > 0 && ch.HasWork() {
			if p.encodeOneRequest(w, ch, &budget) {
				serviced = true
				continue
			}
			break
		}
		if serviced {
			p.credits[id] = 0
		} else {
			p.credits[id]++
		}
	}

	p.transport.SetTxPayload(len(w.Bytes()), w.Count())
}

// scheduleOrder sorts channels by accrued credit, descending, so a channel
// starved for several cycles is serviced before one serviced last cycle —
// except a channel whose topmost frame has a startCode still awaiting its
// reply always sorts first, regardless of credit (spec.md §5 "Budget":
// "channels with startCode awaiting a reply get priority").
func (p *Processor) scheduleOrder() []packet.Channel {
	order := append([]packet.Channel(nil), p.channelOrder...)
	less := func(a, b packet.Channel) bool {
		aStart := p.channels[a].HasOutstandingStartCode()
		bStart := p.channels[b].HasOutstandingStartCode()
		if aStart != bStart {
			return aStart
		}
		return p.credits[a] > p.credits[b]
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && less(order[j], order[j-1]); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

// encodeOneRequest hands one unit of channel work (a lock request, or the
// next unsent code) into w, decrementing budget. It returns false when the
// channel has no further work to encode this pass.
func (p *Processor) encodeOneRequest(w *packet.Writer, ch *channel.State, budget *int) bool {
	if ch.NextLockToSend() {
		body := packet.LockMovementAndWaitForStandstillBody{Channel: ch.ID()}.Encode()
		if err := w.Put(packet.KindLockMovementAndWaitForStandstill, 0, 0, body); err != nil {
			return false
		}
		*budget -= packet.PacketHeaderSize + len(body)
		return true
	}

	id, _, code, ok := ch.NextCodeToSend()
	if !ok {
		return false
	}
	body := packet.CodeBody{Channel: ch.ID(), Source: code}.Encode()
	if err := w.Put(packet.KindCode, id, 0, body); err != nil {
		return false
	}
	*budget -= packet.PacketHeaderSize + len(body)
	return true
}
