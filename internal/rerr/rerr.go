// Package rerr holds the sentinel error taxonomy from spec.md §7. Callers
// match these with errors.Is after wrapping with fmt.Errorf("...: %w", ...);
// anything not in this taxonomy is a programming-invariant violation and
// should abort the process rather than be handled here.
package rerr

import "errors"

var (
	// ErrStorageFailed indicates a durable append/read failed at the
	// storage layer (disk/IO). Surfaced to the client as Unavailable; the
	// request is not replicated.
	ErrStorageFailed = errors.New("storage failed")

	// ErrMalformedInput indicates a required field was missing or invalid.
	// Not retried.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidTier indicates a client submitted a report with
	// tier == GREEN, which is never stored. Not retried.
	ErrInvalidTier = errors.New("invalid tier")

	// ErrNotLeader indicates a non-leader replica received a client write.
	ErrNotLeader = errors.New("not leader")

	// ErrTransportFailed indicates a peer was unreachable or a deadline
	// expired on an outbound RPC.
	ErrTransportFailed = errors.New("transport failed")

	// ErrSnapshotFailed indicates a joiner's state-transfer attempt
	// failed; the joiner retries with backoff.
	ErrSnapshotFailed = errors.New("snapshot failed")
)
