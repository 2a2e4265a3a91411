package channel

import "github.com/anthropics/rrf-spi-bridge/pkg/status"

// CodeResult is what a pushed code's waiter resolves to once the firmware
// replies: the Reply packet's content and flags (spec.md §3 ReplyBody).
type CodeResult struct {
	Content string
	Flags   uint32
}

// pushedCode is one code queued on a frame, awaiting a Reply matched by id
// (spec.md §4.C "Ordering").
type pushedCode struct {
	id            uint16
	correlationID string
	code          string
	waiter        *Waiter[CodeResult]
	sent          bool
}

// frame is one level of a channel's execution-frame stack (spec.md §4.C
// "Frame transitions"): a macro body or conditional block, with its own
// FIFO of pending codes and flush barriers.
type frame struct {
	pendingCodes   []*pushedCode
	flushRequests  []*Waiter[bool]
	macroCompleted bool
	aborted        bool
	fromCode       bool

	// macro is the filename of the macro executing in this frame, immutable
	// once set by OnMacroRequest (spec.md §4.C "macro: Option<Macro>").
	macro string

	// startCode is the first code pushed onto this frame (spec.md §4.C
	// "startCode: Option<Code>"); the code on the parent frame that caused
	// the push is not recorded here. startCodeID/startCodeDone track
	// whether that code's own reply has arrived yet, for the scheduler's
	// startCode-awaiting-reply priority rule (spec.md §5 "Budget").
	startCode     string
	startCodeID   uint16
	startCodeDone bool
}

func newFrame() *frame {
	return &frame{}
}

func (f *frame) allAcked() bool {
	return len(f.pendingCodes) == 0
}

// readyToPop implements spec.md §4.C "Pop frame when: macro signals EOF,
// all pendingCodes have been replied, all flushRequests resolved, and the
// firmware has acknowledged the MacroCompleted packet" — the macro-EOF and
// MacroCompleted conditions are both represented by macroCompleted, which
// only State.OnMacroCompleted sets; pkg/processor never calls it.
func (f *frame) readyToPop() bool {
	return f.macroCompleted && f.allAcked() && len(f.flushRequests) == 0
}

// resolveAborted fails every waiter still outstanding on this frame with
// StatusCancelled. This is the authoritative half of the DESIGN.md
// "MacroCompleted vs AbortFile ordering" decision: AbortFile always wins,
// discarding the frame's bookkeeping regardless of whether
// macroCompleted was already set for this cycle.
func (f *frame) resolveAborted() {
	f.aborted = true
	cancelled := status.New(status.StatusCancelled, "frame aborted")
	for _, pc := range f.pendingCodes {
		pc.waiter.Reject(cancelled)
	}
	f.pendingCodes = nil
	for _, fr := range f.flushRequests {
		fr.Resolve(false)
	}
	f.flushRequests = nil
}
