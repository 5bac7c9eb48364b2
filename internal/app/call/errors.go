package call

import (
	"errors"
	"fmt"
)

var (
	ErrCapability       = errors.New("local media unavailable")
	ErrTransport        = errors.New("signaling transport failure")
	ErrJoinRejected     = errors.New("join rejected")
	ErrJoinTimeout      = errors.New("join acknowledgment timeout")
	ErrJoinCanceled     = errors.New("join canceled")
	ErrMalformedMessage = errors.New("malformed signaling message")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrInvalidState     = errors.New("invalid state")
)

// JoinRejectedError carries the relay's non-success acknowledgment.
type JoinRejectedError struct {
	Code   int
	Reason string
}

func (e *JoinRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("join rejected: code %d", e.Code)
	}
	return fmt.Sprintf("join rejected: code %d: %s", e.Code, e.Reason)
}

func (e *JoinRejectedError) Is(target error) bool { return target == ErrJoinRejected }
