package domain

import "errors"

var (
	ErrNotFound     = errors.New("entity not found")
	ErrAccessDenied = errors.New("access denied")
)

var (
	ErrInvalidWindow = errors.New("window end is before window start")
	ErrInvalidLimit  = errors.New("limit must not be negative")
	ErrNoOccurrence  = errors.New("no more occurrences")
)

var (
	ErrTransportFailure = errors.New("notification transport failure")
	ErrUnknownTask      = errors.New("unknown deferred task")
)
