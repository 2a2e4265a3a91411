package ipc

import (
	"encoding/json"
	"sync"

	"github.com/anthropics/rrf-spi-bridge/pkg/processor"
)

// ObjectModel is the host-side mirror of the firmware's object model: a
// JSON tree kept up to date by processor.ObjectModelSink.ApplyPatch and
// read back through the IPC GetObjectModel operation. Lock/Unlock
// serialize IPC lock holders against each other, after RepRap Firmware's
// own rr_lock/rr_unlock object-model convention (SPEC_FULL.md §6); they do
// not block Get or ApplyPatch.
type ObjectModel struct {
	dataMu sync.Mutex
	tree   map[string]json.RawMessage

	// accessMu is the client-facing exclusive-access window: held between a
	// LockObjectModel call and its matching UnlockObjectModel, independent
	// of dataMu which only protects the map itself.
	accessMu sync.Mutex
}

// NewObjectModel builds an empty mirror.
func NewObjectModel() *ObjectModel {
	return &ObjectModel{tree: make(map[string]json.RawMessage)}
}

// ApplyPatch satisfies processor.ObjectModelSink: it merges the firmware's
// raw JSON patch bytes into the flat key/value mirror one top-level field
// at a time. Deep structural merging of nested object-model paths is the
// dedicated object-model differ's job (SPEC_FULL.md §1 Non-goal); this is
// the shallow host-side cache the IPC surface reads from.
func (m *ObjectModel) ApplyPatch(patch processor.ObjectModelPatch) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch.Raw, &fields); err != nil {
		return
	}
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	for k, v := range fields {
		m.tree[k] = v
	}
}

// Lock grants a caller exclusive access across however many Get calls it
// makes until it calls Unlock, matching RepRap Firmware's rr_lock
// semantics. It does not block ApplyPatch or unrelated Get calls from
// racing the map itself — that's dataMu's job — only serializes concurrent
// IPC lock holders against each other. This is purely an in-process
// reader/reader gate; it says nothing about the firmware's movement lock
// (spec.md §6): Server.handleLockObjectModel takes this mutex before
// requesting that lock over a channel.State's Lock, and
// handleUnlockObjectModel releases it only after the channel's Unlock
// waiter resolves, so a second IPC caller can't even start requesting the
// firmware lock until the first has released both.
func (m *ObjectModel) Lock() {
	m.accessMu.Lock()
}

// Unlock releases a held Lock; with no Lock held it does nothing.
func (m *ObjectModel) Unlock() {
	m.accessMu.TryLock()
	m.accessMu.Unlock()
}

// Get returns the raw JSON value at key (flags is accepted for parity with
// RepRap Firmware's object-model "flags" query parameter — verbosity/depth
// selection is left to the caller composing key paths, since this mirror
// is flat rather than a full object-model tree walker).
func (m *ObjectModel) Get(key string, flags string) (json.RawMessage, bool) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	v, ok := m.tree[key]
	return v, ok
}
