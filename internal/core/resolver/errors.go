package resolver

import "errors"

var (
	// ErrTooManyRequests is returned when the name service rate limits a batch.
	ErrTooManyRequests  = errors.New("resolver: too many requests")
	ErrUnexpectedStatus = errors.New("resolver: unexpected status")
)
