package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound        = errors.New("domain: not found")
	ErrVersionMismatch = errors.New("domain: version mismatch")
	ErrInvalidCalendar = errors.New("domain: invalid calendar")
)
