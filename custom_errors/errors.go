package custom_errors

import "errors"

var (
	// ErrStorageUnavailable is returned once transient storage failures outlast the retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnknownLease means the job is not leased (or not by this lease) anymore.
	// Callers must discard their result instead of counting it as done.
	ErrUnknownLease        = errors.New("unknown lease")
	ErrNoHandlerRegistered = errors.New("no handler registered")
	ErrHandlerPanicked     = errors.New("handler panicked")
	ErrLeaseExpired        = errors.New("lease expired")
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedSchema   = errors.New("unsupported job record schema")
)
