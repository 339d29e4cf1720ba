package relay

import (
	"errors"
	"fmt"

	"chatrelay/delivery"
	"chatrelay/registry"
)

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrContentTooLong   = errors.New("message content too long")
	ErrRecipientOffline = errors.New("recipient offline")

	// ErrUnrecoverable is wrapped by a Transport when a frame can never be
	// sent, no matter which connection it goes to.
	ErrUnrecoverable = errors.New("unrecoverable send error")

	ErrAlreadyAuthenticated = registry.ErrAlreadyAuthenticated
	ErrOutOfOrderAck        = delivery.ErrOutOfOrderAck
	ErrIllegalTransition    = delivery.ErrIllegalTransition
)

// PersistenceError means the store failed; for a relay it means the message
// never left the sender.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransmissionError is a failed send to one connection.
type TransmissionError struct {
	ConnID string
	Err    error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("transmit to %s: %v", e.ConnID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }
