//go:build unit

package channel

import (
	"context"
	"testing"

	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
)

func TestNextCodeToSendAndHasWork(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	if ch.HasWork() {
		t.Fatalf("expected no work on an empty channel")
	}

	h1 := ch.Push("G1")
	h2 := ch.Push("G1 X1")

	if !ch.HasWork() {
		t.Fatalf("expected work after pushing codes")
	}

	id, cid, code, ok := ch.NextCodeToSend()
	if !ok || id != h1.ID || code != "G1" {
		t.Fatalf("expected first unsent code to be h1, got id=%d code=%q ok=%v", id, code, ok)
	}
	if cid != h1.CorrelationID {
		t.Fatalf("correlation id mismatch: got %q want %q", cid, h1.CorrelationID)
	}

	id2, _, code2, ok2 := ch.NextCodeToSend()
	if !ok2 || id2 != h2.ID || code2 != "G1 X1" {
		t.Fatalf("expected second unsent code to be h2, got id=%d code=%q ok=%v", id2, code2, ok2)
	}

	if _, _, _, ok3 := ch.NextCodeToSend(); ok3 {
		t.Fatalf("expected no more unsent codes")
	}

	// Both codes are now in-flight (sent, unacked): HasWork is false even
	// though pendingCodes is non-empty.
	if ch.HasWork() {
		t.Fatalf("expected no work once everything queued has been sent")
	}
}

func TestPushReplyFIFO(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	h1 := ch.Push("G1")
	h2 := ch.Push("G1 X1")

	if h1.ID == h2.ID {
		t.Fatalf("expected distinct ids, got %d twice", h1.ID)
	}

	// Replying in push order resolves each waiter in turn (strict FIFO per
	// frame).
	ch.OnReply(h1.ID, "ok", 0)
	res, err := h1.Waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("h1 wait: %v", err)
	}
	if res.Content != "ok" {
		t.Fatalf("h1 content = %q", res.Content)
	}

	ch.OnReply(h2.ID, "ok2", 0)
	res2, err := h2.Waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("h2 wait: %v", err)
	}
	if res2.Content != "ok2" {
		t.Fatalf("h2 content = %q", res2.Content)
	}

	stats := ch.Diagnostics()
	if stats.CodesReplied != 2 || stats.CodesPushed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOnReplyOutOfOrderAbortsFrame(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	h1 := ch.Push("G1")
	h2 := ch.Push("G1 X1")

	// Reply to h2 before h1: protocol violation, frame aborts both waiters.
	ch.OnReply(h2.ID, "wrong order", 0)

	if _, err := h1.Waiter.Wait(context.Background()); err == nil {
		t.Fatalf("expected h1 to be cancelled by the protocol violation")
	}
	if _, err := h2.Waiter.Wait(context.Background()); err == nil {
		t.Fatalf("expected h2 to be cancelled by the protocol violation")
	}

	stats := ch.Diagnostics()
	if stats.ProtocolViolations != 1 {
		t.Fatalf("expected 1 protocol violation, got %d", stats.ProtocolViolations)
	}
}

func TestFlushResolvesAfterAllAcked(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	h1 := ch.Push("G1")
	flush := ch.Flush(false)

	select {
	case <-flush.Waiter.Done():
		t.Fatalf("flush resolved before its code was acked")
	default:
	}

	ch.OnReply(h1.ID, "ok", 0)

	ok, err := flush.Waiter.Wait(context.Background())
	if err != nil {
		t.Fatalf("flush wait: %v", err)
	}
	if !ok {
		t.Fatalf("expected flush to resolve true")
	}
}

func TestFlushWithNothingPendingResolvesImmediately(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)
	flush := ch.Flush(false)
	select {
	case <-flush.Waiter.Done():
	default:
		t.Fatalf("expected flush on an empty frame to resolve immediately")
	}
}

func TestMacroFramePushAndPop(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	ch.OnMacroRequest("homeall.g", false)
	if got := ch.Diagnostics().FrameDepth; got != 2 {
		t.Fatalf("expected frame depth 2 after push, got %d", got)
	}

	h := ch.Push("G28")
	ch.OnMacroCompleted()
	// Not yet popped: G28 hasn't been acked.
	if got := ch.Diagnostics().FrameDepth; got != 2 {
		t.Fatalf("expected frame depth still 2 before ack, got %d", got)
	}

	ch.OnReply(h.ID, "homed", 0)
	if got := ch.Diagnostics().FrameDepth; got != 1 {
		t.Fatalf("expected frame popped back to depth 1, got %d", got)
	}
}

// TestAbortWinsOverMacroCompleted pins the DESIGN.md "MacroCompleted vs
// AbortFile ordering" decision: AbortFile discards the frame even when
// MacroCompleted already landed first, rather than waiting for any ack.
func TestAbortWinsOverMacroCompleted(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	ch.OnMacroRequest("resume.g", false)
	h := ch.Push("M24")
	ch.OnMacroCompleted() // advisory: frame not yet poppable, M24 unacked

	ch.OnAbort("file aborted mid-macro")

	if got := ch.Diagnostics().FrameDepth; got != 1 {
		t.Fatalf("expected abort to pop the frame immediately, depth = %d", got)
	}
	if _, err := h.Waiter.Wait(context.Background()); err == nil {
		t.Fatalf("expected M24's waiter to be cancelled by the abort")
	}
}

func TestLockUnlockSerialization(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	h1 := ch.Lock()
	h2 := ch.Lock()

	if !ch.NextLockToSend() {
		t.Fatalf("expected head of lock queue to need sending")
	}
	if ch.NextLockToSend() {
		t.Fatalf("expected second call to report already sent")
	}

	ch.OnResourceLocked()
	if _, err := h1.Waiter.Wait(context.Background()); err != nil {
		t.Fatalf("h1 wait: %v", err)
	}

	select {
	case <-h2.Waiter.Done():
		t.Fatalf("h2 should not resolve until its own lock is granted")
	default:
	}

	unlockWaiter := ch.Unlock()
	if _, err := unlockWaiter.Wait(context.Background()); err != nil {
		t.Fatalf("unlock wait: %v", err)
	}
	if !ch.NextLockToSend() {
		t.Fatalf("expected h2 to now need sending after unlock")
	}
	ch.OnResourceLocked()
	if _, err := h2.Waiter.Wait(context.Background()); err != nil {
		t.Fatalf("h2 wait: %v", err)
	}
}

func TestOnInvalidatedCancelsEverythingAndReportsLock(t *testing.T) {
	ch := New(packet.ChannelHTTP, nil)

	h := ch.Push("G1")
	lockHandle := ch.Lock()
	ch.NextLockToSend()
	ch.OnResourceLocked() // lock granted

	if _, err := lockHandle.Waiter.Wait(context.Background()); err != nil {
		t.Fatalf("lock wait: %v", err)
	}

	needsUnlock := ch.OnInvalidated()
	if !needsUnlock {
		t.Fatalf("expected OnInvalidated to report a held lock")
	}
	if _, err := h.Waiter.Wait(context.Background()); err == nil {
		t.Fatalf("expected pending code to be cancelled on invalidation")
	}
	if got := ch.Diagnostics().FrameDepth; got != 1 {
		t.Fatalf("expected channel back at base frame, depth = %d", got)
	}
}
