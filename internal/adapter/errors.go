package adapter

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed is returned when an operation's prerequisites are
	// not met, such as listing changes for a source without a page token.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrAlreadyExists is returned by create operations when the record exists.
	ErrAlreadyExists = errors.New("resource already exists")
)
