package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a session ID is unknown to the repository.
	ErrSessionNotFound = errors.New("session not found")

	// ErrExchangeNotFound is returned when a recorded exchange ID is unknown to the repository.
	ErrExchangeNotFound = errors.New("exchange not found")
)
