package transfer

import (
	"context"
	"sync"
	"time"
)

// FakeConn is a scriptable Conn used by --no-spi daemon mode and by the
// scenario tests in spec.md §8: each Tx call pops the next queued
// response buffer (copying it into r) and records every write, the same
// shape as the teacher's configurable-failure fakes (see
// testutil/fakes.go's FakeDevice in the retrieval pack).
type FakeConn struct {
	mu        sync.Mutex
	responses [][]byte
	idx       int
	writes    [][]byte
}

// NewFakeConn builds a FakeConn that returns responses in order, one per
// Tx call; once exhausted, Tx copies back zero bytes.
func NewFakeConn(responses ...[]byte) *FakeConn {
	return &FakeConn{responses: responses}
}

func (f *FakeConn) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, append([]byte(nil), w...))
	if f.idx < len(f.responses) {
		n := copy(r, f.responses[f.idx])
		for i := n; i < len(r); i++ {
			r[i] = 0
		}
		f.idx++
	} else {
		for i := range r {
			r[i] = 0
		}
	}
	return nil
}

// Writes returns every buffer written so far, for test assertions.
func (f *FakeConn) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// FakeReadyPin always reports the ready line asserted immediately. Tests
// that need to exercise stall/timeout behavior use StallingReadyPin
// instead.
type FakeReadyPin struct{}

func (FakeReadyPin) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	return true, nil
}

// StallingReadyPin reports not-ready for the first N waits, then asserted.
type StallingReadyPin struct {
	mu      sync.Mutex
	stalls  int
	waits   int
}

func NewStallingReadyPin(stalls int) *StallingReadyPin {
	return &StallingReadyPin{stalls: stalls}
}

func (p *StallingReadyPin) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	if p.waits <= p.stalls {
		return false, nil
	}
	return true, nil
}
