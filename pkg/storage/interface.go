// Package storage defines the back-end contract consumed by the storage
// dispatcher (spec.md §4.4): a single configured back-end per run, selected
// by the storage URL's scheme, that moves one intermediate archive segment
// at a time to its destination. Re-scoped from the teacher's content-address
// block backend (pkg/storage/interface.go): no peer-awareness, no
// multi-backend selection/distribution — the dispatcher already knows
// exactly which back-end a run uses before it starts (spec.md §4.5 step 1).
package storage

import (
	"context"
	"fmt"
	"io"
)

// Backend is implemented by every storage destination the dispatcher can
// target (spec.md §4.4 steps 4-9: preProcess, exists-for-rename, transfer,
// delete-for-retry/prune, postProcess).
type Backend interface {
	// Connect/Disconnect bracket a run (spec.md §4.5 steps 4 and 13).
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// PreProcess is called once per archive name before any segment is
	// transferred to it (spec.md §4.4 step 4).
	PreProcess(ctx context.Context, archiveName string) error

	// PostProcess is called once per archive name after all of its segments
	// have been dispatched, and once more with finalFlag=true at run end
	// (spec.md §4.4 step 9, §4.4 "at run end").
	PostProcess(ctx context.Context, archiveName string, finalFlag bool) error

	// Exists reports whether name already exists on the back-end, for the
	// archiveFileMode==rename collision check (spec.md §4.4 step 3).
	Exists(ctx context.Context, name string) (bool, error)

	// Transfer copies the local file at localPath to name on the back-end
	// (spec.md §4.4 step 6). Implementations must leave no partial object
	// behind on error — the dispatcher's retry loop assumes a clean slate.
	Transfer(ctx context.Context, localPath string, name string) error

	// Open returns a reader over name's current contents, used by the
	// archive verifier (spec.md §4.4 step 7).
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Stat reports name's size on the back-end.
	Stat(ctx context.Context, name string) (int64, error)

	// Delete removes name, used both by retry-on-failure cleanup (step 6)
	// and retention pruning (step 5).
	Delete(ctx context.Context, name string) error

	// Info identifies the back-end for logging and error attribution.
	Info() *BackendInfo

	// PrintableName returns a display-only rendering of name for logging
	// (SPEC_FULL.md open-question decision 2: computed a second time at
	// transfer time, separately from the archive name already stored on
	// the storage message; purely cosmetic, never consulted for identity).
	PrintableName(name string) string
}

// BackendInfo identifies a configured back-end instance.
type BackendInfo struct {
	Type     string
	Endpoint string
}

// Error is a storage-layer error tagged with the back-end type and the
// archive name it concerns, mirroring the teacher's StorageError shape
// trimmed to what the dispatcher needs (no BlockAddress: archive segments
// are addressed by name, not content hash).
type Error struct {
	Code        string
	Message     string
	BackendType string
	Name        string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s/%s): %v", e.Code, e.Message, e.BackendType, e.Name, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s/%s)", e.Code, e.Message, e.BackendType, e.Name)
}

func (e *Error) Unwrap() error { return e.Cause }

// Error codes used across backends.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeNoSpace          = "NO_SPACE"
	ErrCodeTransferFailed   = "TRANSFER_FAILED"
)

func NewError(code, message, backendType, name string, cause error) *Error {
	return &Error{Code: code, Message: message, BackendType: backendType, Name: name, Cause: cause}
}

// IsNoSpace reports whether err represents an out-of-space condition,
// consulted by the dispatcher's retry loop (spec.md §4.4 step 6: "retry up
// to 3 times unless the error is ENOSPC").
func IsNoSpace(err error) bool {
	var e *Error
	for err != nil {
		if se, ok := err.(*Error); ok {
			e = se
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == ErrCodeNoSpace
}
