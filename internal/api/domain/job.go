package domain

import (
	"errors"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotCancelable  = errors.New("job is already in a terminal state")
	ErrIdempotencyReplay = errors.New("idempotency key already used")
)
