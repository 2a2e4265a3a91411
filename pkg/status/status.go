// Package status defines the error taxonomy shared by every layer of the
// bridge: transport, codec, channel, and processor all report failures as
// a Status plus a *TransferError wrapping it.
package status

import (
	"errors"
	"fmt"
)

// Status classifies an error the way spec.md §7 does: transient failures
// are retried locally and never escape the transport, protocol violations
// are fatal to one channel, and Fatal is the only status that should ever
// reach the supervisor.
type Status int

const (
	Success Status = iota

	// Transient — timeout, bad checksum. Retried at the transport layer,
	// invisible above.
	StatusTimeout
	StatusBadHeaderChecksum
	StatusBadDataChecksum
	StatusBadFormat
	StatusBufferOverrun

	// PeerReset — firmware restarted. Surfaced to the Processor, which
	// invalidates all channels and resumes.
	StatusPeerReset

	// Protocol — fatal to the affected channel only.
	StatusBadProtocolVersion
	StatusOutOfOrderReply
	StatusUnknownPacketKind
	StatusCorruptPayload

	// BufferFull — deferred to next cycle, not an error to the caller.
	StatusBufferFull

	// Cancelled — resolved to the waiter, not escalated.
	StatusCancelled

	// Fatal — supervisor-level restart.
	StatusFatal
)

var names = map[Status]string{
	Success:                  "success",
	StatusTimeout:            "timeout",
	StatusBadHeaderChecksum:  "bad header checksum",
	StatusBadDataChecksum:    "bad data checksum",
	StatusBadFormat:          "bad format",
	StatusBufferOverrun:      "buffer overrun",
	StatusPeerReset:          "peer reset",
	StatusBadProtocolVersion: "bad protocol version",
	StatusOutOfOrderReply:    "out of order reply",
	StatusUnknownPacketKind:  "unknown packet kind",
	StatusCorruptPayload:     "corrupt payload",
	StatusBufferFull:         "buffer full",
	StatusCancelled:          "cancelled",
	StatusFatal:              "fatal",
}

func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Transient reports whether s is handled entirely inside the transport and
// should never be visible to the Processor or above.
func (s Status) Transient() bool {
	switch s {
	case StatusTimeout, StatusBadHeaderChecksum, StatusBadDataChecksum, StatusBadFormat, StatusBufferOverrun:
		return true
	default:
		return false
	}
}

// TransferError is the error type returned by this module's transport,
// codec, channel, processor and gpio layers. It carries a Status for programmatic dispatch (errors.Is against
// a sentinel built from New*), a human Context, and an optional Cause.
type TransferError struct {
	Status  Status
	Context string
	Cause   error
}

func (e *TransferError) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Cause)
	}
	return e.Status.String()
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// Is matches on Status alone so callers can write errors.Is(err,
// status.New(status.StatusPeerReset, "")) without caring about Context.
func (e *TransferError) Is(target error) bool {
	var other *TransferError
	if errors.As(target, &other) {
		return e.Status == other.Status
	}
	return false
}

// New creates a TransferError with the given status and context.
func New(s Status, context string) *TransferError {
	return &TransferError{Status: s, Context: context}
}

// NewWithCause creates a TransferError wrapping an underlying cause.
func NewWithCause(s Status, context string, cause error) *TransferError {
	return &TransferError{Status: s, Context: context, Cause: cause}
}
