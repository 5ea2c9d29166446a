package booking

import "errors"

// Domain-level error values returned by the session opener.
var (
	ErrInvalidDuration       = errors.New("invalid session duration")
	ErrSubscriptionNotActive = errors.New("subscription not active")
	ErrSubscriptionExpired   = errors.New("subscription expired")
	ErrNotParticipant        = errors.New("principal is not a session participant")
	ErrNotSubscriptionOwner  = errors.New("principal does not own the subscription")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)
