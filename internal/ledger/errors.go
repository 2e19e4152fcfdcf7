package ledger

import "errors"

var (
	// ErrNotFound reports an unknown conversation, request, or turn id on
	// a write path. Read paths return nil instead.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput reports a missing required argument, e.g. an empty
	// conversation id on close.
	ErrInvalidInput = errors.New("invalid input")
)
