package session

import "errors"

var (
	// ErrHandshakeRejected means the controller refused the session. It is
	// fatal; the session needs an explicit restart.
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrRetriesExhausted means MaxAttempts consecutive reconnects failed.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrSessionMismatch means a resume was granted under a different session
	// id. It wraps ErrHandshakeRejected.
	ErrSessionMismatch = errors.Join(ErrHandshakeRejected, errors.New("session id changed on resume"))
	// ErrStopped is reported after an explicit Stop.
	ErrStopped = errors.New("session stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
)
