package domain

import "errors"

// Common errors shared across packages.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
