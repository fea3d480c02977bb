package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers network and I/O failures. The exchange may be
	// retried.
	ErrTransport = errors.New("protocol: transport error")
	// ErrProtocol is a non-success HTTP status, an undecodable body or a
	// reply without tif. It ends the session.
	ErrProtocol = errors.New("protocol: invalid server response")

	ErrSessionTerminated = errors.New("protocol: session terminated")
	ErrExchangeInFlight  = errors.New("protocol: exchange already in flight")
	ErrQueryRequired     = errors.New("protocol: query must precede other commands")
	ErrUnknownCommand    = errors.New("protocol: unknown command")
)

// StatusError reports a non-200 HTTP reply.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: server returned status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrProtocol }
