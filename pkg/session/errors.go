package session

import "errors"

// Domain-level error values returned by the session store.
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionExists         = errors.New("session already exists")
	ErrSessionClosed         = errors.New("session closed")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrSubscriptionExists    = errors.New("subscription already exists")
	ErrInvalidSessionStatus  = errors.New("invalid session status")
	ErrInvalidPackageType    = errors.New("invalid package type")
	ErrInvalidMessageContent = errors.New("invalid message content")
)
