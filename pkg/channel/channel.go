// Package channel implements Channel/State (spec.md §4.C): the per-channel
// execution-frame stack, code/flush/lock queues, and the callback methods
// the Processor drives as it routes firmware packets. One mutex per
// channel guards all of it, mirroring the teacher's ChannelSet/VdmaChannel
// shape (one lock per managed object, bounded hold time) generalized from
// DMA-channel bookkeeping to macro-frame bookkeeping.
package channel

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/anthropics/rrf-spi-bridge/pkg/logging"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
	"github.com/anthropics/rrf-spi-bridge/pkg/status"
)

// Stats is one diagnostics snapshot (spec.md SPEC_FULL §4.C "diagnostics()
// -> Stats"), wrapped by pkg/diag as a Prometheus Collector.
type Stats struct {
	Channel            packet.Channel
	FrameDepth         int
	PendingCodes       int
	FlushRequests      int
	LockRequests       int
	CodesPushed        uint64
	CodesReplied       uint64
	ProtocolViolations uint64
	LastActivity       time.Time
}

// PushHandle is returned by Push: the caller awaits Waiter for the
// firmware's reply, and may use CorrelationID to tie this code to IPC-layer
// logging or tracing.
type PushHandle struct {
	ID            uint16
	CorrelationID string
	Waiter        *Waiter[CodeResult]
}

// FlushHandle is returned by Flush, stamped with a CorrelationID like
// PushHandle (SPEC_FULL.md §3 "CorrelationID ... for every outstanding
// lock/flush waiter").
type FlushHandle struct {
	CorrelationID string
	Waiter        *Waiter[bool]
}

// LockHandle is returned by Lock.
type LockHandle struct {
	CorrelationID string
	Waiter        *Waiter[struct{}]
}

// State is the per-channel execution-frame stack and request/reply
// bookkeeping (spec.md §4.C). Its mutex's hold time is bounded to a queue
// push/pop (spec.md §5 "Scheduling model").
type State struct {
	id  packet.Channel
	log *logging.Logger

	mu     sync.Mutex
	frames []*frame

	lockRequests []*Waiter[struct{}]
	lockHeld     bool
	lockSent     bool

	nextCodeID uint16

	codesPushed        uint64
	codesReplied       uint64
	protocolViolations uint64
	lastActivity       time.Time

	// workReady is a bounded, non-blocking notification signalled whenever
	// this channel queues work (SPEC_FULL.md §4.C). pkg/processor does not
	// read it; it polls HasWork on every channel each cycle.
	workReady chan struct{}
}

// New constructs a channel in its base frame.
func New(id packet.Channel, log *logging.Logger) *State {
	return &State{
		id:        id,
		log:       log,
		frames:    []*frame{newFrame()},
		workReady: make(chan struct{}, 1),
	}
}

// ID returns which of the ~12 logical channels this is.
func (s *State) ID() packet.Channel { return s.id }

// WorkReady returns the notification channel that receives a value when
// this channel queues work. pkg/processor does not read it.
func (s *State) WorkReady() <-chan struct{} { return s.workReady }

func (s *State) notify() {
	select {
	case s.workReady <- struct{}{}:
	default:
	}
}

func (s *State) top() *frame {
	return s.frames[len(s.frames)-1]
}

func (s *State) pushLocked(code string) *PushHandle {
	s.nextCodeID++
	id := s.nextCodeID
	cid := xid.New().String()
	w := NewWaiter[CodeResult]()
	pc := &pushedCode{id: id, correlationID: cid, code: code, waiter: w}

	f := s.top()
	if f.startCode == "" && len(f.pendingCodes) == 0 {
		f.startCode = code
		f.startCodeID = id
	}
	f.pendingCodes = append(f.pendingCodes, pc)

	s.codesPushed++
	s.lastActivity = time.Now()
	return &PushHandle{ID: id, CorrelationID: cid, Waiter: w}
}

// Push enqueues code on the topmost frame's pendingCodes (spec.md §4.C
// "push(code) -> Waiter<CodeResult>").
func (s *State) Push(code string) *PushHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.pushLocked(code)
	s.notify()
	return h
}

// Displace applies a conditional branch's body to the current frame without
// pushing a new one (spec.md §4.C "Displace"): when a startCode triggers a
// branch whose body is already queued, the codes land on the same frame.
func (s *State) Displace(codes []string) []*PushHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]*PushHandle, 0, len(codes))
	for _, c := range codes {
		handles = append(handles, s.pushLocked(c))
	}
	s.notify()
	return handles
}

// Flush resolves once every code queued on the topmost frame up to this
// call has been acknowledged (spec.md §4.C "flush"). syncFileStreams is
// accepted but not acted on: the waiter does not wait for the firmware's
// input buffer for this channel to drain.
func (s *State) Flush(syncFileStreams bool) *FlushHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &FlushHandle{CorrelationID: xid.New().String(), Waiter: NewWaiter[bool]()}
	f := s.top()
	if f.allAcked() {
		h.Waiter.Resolve(true)
		return h
	}
	f.flushRequests = append(f.flushRequests, h.Waiter)
	return h
}

// Lock enqueues a LockMovementAndWaitForStandstill request (spec.md §4.C
// "Lock semantics"). The Processor calls NextLockToSend to learn when to
// hand the packet to the firmware.
func (s *State) Lock() *LockHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &LockHandle{CorrelationID: xid.New().String(), Waiter: NewWaiter[struct{}]()}
	s.lockRequests = append(s.lockRequests, h.Waiter)
	s.notify()
	return h
}

// Unlock clears the held-lock state so the next queued lock request can be
// sent. No Unlock packet is sent to the firmware, and the returned waiter
// is already resolved. If no lock is held it changes nothing; queued lock
// requests stay queued.
func (s *State) Unlock() *Waiter[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := NewWaiter[struct{}]()
	if !s.lockHeld {
		w.Resolve(struct{}{})
		return w
	}
	s.lockHeld = false
	s.lockSent = false
	w.Resolve(struct{}{})
	if len(s.lockRequests) > 0 {
		s.notify()
	}
	return w
}

// NextLockToSend reports whether the head of the lock queue still needs a
// LockMovementAndWaitForStandstill packet sent this cycle, marking it sent
// if so. Nothing is sent while a lock is held (until Unlock is called) or
// while an earlier request still awaits ResourceLocked.
func (s *State) NextLockToSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockHeld || s.lockSent || len(s.lockRequests) == 0 {
		return false
	}
	s.lockSent = true
	return true
}

// OnResourceLocked resolves the head of the lock queue (spec.md §4.C: "the
// reply ResourceLocked resolves the waiter").
func (s *State) OnResourceLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lockRequests) == 0 {
		return
	}
	w := s.lockRequests[0]
	s.lockRequests = s.lockRequests[1:]
	s.lockHeld = true
	w.Resolve(struct{}{})
}

// NextCodeToSend returns the oldest not-yet-sent code queued on the
// topmost frame, marking it sent (spec.md §4.D "channel.nextRequest()").
func (s *State) NextCodeToSend() (id uint16, correlationID string, code string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pc := range s.top().pendingCodes {
		if !pc.sent {
			pc.sent = true
			return pc.id, pc.correlationID, pc.code, true
		}
	}
	return 0, "", "", false
}

// HasWork reports whether this channel has anything to hand the firmware
// this cycle: an unsent code, or a lock request not yet sent (spec.md §4.D
// "channel.hasWork()").
func (s *State) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pc := range s.top().pendingCodes {
		if !pc.sent {
			return true
		}
	}
	return !s.lockHeld && !s.lockSent && len(s.lockRequests) > 0
}

// OnReply matches a firmware Reply to the head of the topmost frame's
// pendingCodes by id. A reply that doesn't match the head is a protocol
// violation (spec.md §5 "Ordering guarantees"): the frame is dropped and
// the channel aborted, per spec.md §4.C "Ordering".
func (s *State) OnReply(id uint16, content string, flags uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.top()
	if len(f.pendingCodes) == 0 || f.pendingCodes[0].id != id {
		s.protocolViolations++
		if s.log != nil {
			s.log.Warningf("channel %s: out-of-order reply id=%d", s.id, id)
		}
		s.abortTopLocked("out-of-order reply")
		return
	}

	pc := f.pendingCodes[0]
	f.pendingCodes = f.pendingCodes[1:]
	if !f.startCodeDone && pc.id == f.startCodeID {
		f.startCodeDone = true
	}
	pc.waiter.Resolve(CodeResult{Content: content, Flags: flags})
	s.codesReplied++
	s.lastActivity = time.Now()
	s.resolveReadyFlushesLocked(f)
	s.popIfReadyLocked()
}

func (s *State) resolveReadyFlushesLocked(f *frame) {
	if !f.allAcked() {
		return
	}
	for _, w := range f.flushRequests {
		w.Resolve(true)
	}
	f.flushRequests = nil
}

// OnMacroRequest pushes a new frame for a firmware ExecuteMacro packet or a
// host-initiated macro call (spec.md §4.C "Push frame on"), recording which
// macro file it runs (spec.md §4.C "macro: Option<Macro>").
func (s *State) OnMacroRequest(filename string, fromCode bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := newFrame()
	f.macro = filename
	f.fromCode = fromCode
	s.frames = append(s.frames, f)
	s.notify()
}

// HasOutstandingStartCode reports whether the topmost frame's startCode
// (spec.md §5 "Budget": "channels with startCode awaiting a reply get
// priority") is still waiting on its own reply.
func (s *State) HasOutstandingStartCode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.top()
	return f.startCode != "" && !f.startCodeDone
}

// OnMacroCompleted marks the topmost frame's macro as having signaled EOF
// and pops it once every other pop condition already holds (spec.md §4.C
// "Pop frame when"). If AbortFile already won for this frame this call is
// a no-op — MacroCompleted is advisory once a frame is aborted (DESIGN.md
// "MacroCompleted vs AbortFile ordering").
func (s *State) OnMacroCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.top()
	if f.aborted {
		return
	}
	f.macroCompleted = true
	s.popIfReadyLocked()
}

func (s *State) popIfReadyLocked() {
	for len(s.frames) > 1 && s.top().readyToPop() {
		s.frames = s.frames[:len(s.frames)-1]
	}
}

func (s *State) abortTopLocked(reason string) {
	f := s.top()
	f.resolveAborted()
	if len(s.frames) > 1 {
		s.frames = s.frames[:len(s.frames)-1]
	}
	if s.log != nil {
		s.log.Infof("channel %s: frame aborted: %s", s.id, reason)
	}
}

// OnAbort implements the authoritative half of the MacroCompleted/AbortFile
// decision (DESIGN.md "Open Questions resolved"): it always wins, discarding
// the topmost frame's bookkeeping and popping it regardless of whether
// MacroCompleted had already been signaled for this cycle.
func (s *State) OnAbort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortTopLocked(reason)
}

// OnInvalidated resolves every waiter on every frame with cancelled and
// pops back to the base frame (spec.md §4.C "Invalidation"). It reports
// whether a movement lock had already been granted, so the Processor can
// emit an Unlock packet (SPEC_FULL.md §4.C).
func (s *State) OnInvalidated() (needsUnlock bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.frames {
		f.resolveAborted()
	}
	s.frames = []*frame{newFrame()}

	cancelled := status.New(status.StatusCancelled, "channel invalidated")
	for _, w := range s.lockRequests {
		w.Reject(cancelled)
	}
	s.lockRequests = nil

	needsUnlock = s.lockHeld
	s.lockHeld = false
	s.lockSent = false
	return needsUnlock
}

// Diagnostics returns a point-in-time snapshot for pkg/diag (spec.md §4.C
// "diagnostics() -> Stats").
func (s *State) Diagnostics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, flushes := 0, 0
	for _, f := range s.frames {
		pending += len(f.pendingCodes)
		flushes += len(f.flushRequests)
	}
	return Stats{
		Channel:            s.id,
		FrameDepth:         len(s.frames),
		PendingCodes:       pending,
		FlushRequests:      flushes,
		LockRequests:       len(s.lockRequests),
		CodesPushed:        s.codesPushed,
		CodesReplied:       s.codesReplied,
		ProtocolViolations: s.protocolViolations,
		LastActivity:       s.lastActivity,
	}
}
