// Package session owns the durable chat-session, subscription, and message
// records. It is the source of truth for session status and expiry instants.
package session

import (
	"fmt"
	"time"
)

// SessionType distinguishes time-boxed quick chats from subscription-bound ones.
type SessionType string

const (
	TypeQuick        SessionType = "QUICK"
	TypeSubscription SessionType = "SUBSCRIPTION"
)

// SessionStatus is the session lifecycle state.
//
// Transitions are monotonic and one-directional:
// PENDING_PAYMENT -> ACTIVE -> {COMPLETED, EXPIRED}. The terminal states
// are final; nothing moves a session back to ACTIVE.
type SessionStatus string

const (
	StatusPendingPayment SessionStatus = "PENDING_PAYMENT"
	StatusActive         SessionStatus = "ACTIVE"
	StatusCompleted      SessionStatus = "COMPLETED"
	StatusExpired        SessionStatus = "EXPIRED"
)

// IsTerminal reports whether the status admits no further transition.
func (status SessionStatus) IsTerminal() bool {
	return status == StatusCompleted || status == StatusExpired
}

// CanTransitionTo reports whether the monotonic state machine allows the move.
func (status SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch status {
	case StatusPendingPayment:
		return next == StatusActive
	case StatusActive:
		return next == StatusCompleted || next == StatusExpired
	default:
		return false
	}
}

// ParseSessionStatus validates a stored status.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch SessionStatus(raw) {
	case StatusPendingPayment, StatusActive, StatusCompleted, StatusExpired:
		return SessionStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionStatus, raw)
	}
}

// PackageType enumerates subscription durations.
type PackageType string

const (
	PackageWeek  PackageType = "WEEK"
	PackageMonth PackageType = "MONTH"
)

// Duration returns the fixed validity window for the package.
func (packageType PackageType) Duration() (time.Duration, error) {
	switch packageType {
	case PackageWeek:
		return 7 * 24 * time.Hour, nil
	case PackageMonth:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPackageType, packageType)
	}
}

// SubscriptionStatus is the subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "ACTIVE"
	SubscriptionExpired SubscriptionStatus = "EXPIRED"
)

// ChatSession is one paid conversation between a user and a mentor.
type ChatSession struct {
	SessionID       string
	UserID          string
	MentorID        string
	Type            SessionType
	SubscriptionID  string // set iff Type is SUBSCRIPTION
	DurationMinutes int    // zero for subscription-bound sessions
	AmountPaidCents int64
	Status          SessionStatus
	StartedUnixUTC  int64
	ExpiresUnixUTC  int64
}

// HasParticipant reports whether the principal is one of the two parties.
func (chatSession ChatSession) HasParticipant(principalID string) bool {
	return principalID == chatSession.UserID || principalID == chatSession.MentorID
}

// ExpiredAt reports whether the session's wall-clock expiry has passed,
// independent of the stored status.
func (chatSession ChatSession) ExpiredAt(nowUnixUTC int64) bool {
	return nowUnixUTC >= chatSession.ExpiresUnixUTC
}

// Subscription is a time-boxed unlimited-chat pass with one mentor.
// ExpiresUnixUTC is fixed at creation; renewals create new subscriptions.
type Subscription struct {
	SubscriptionID  string
	UserID          string
	MentorID        string
	Package         PackageType
	AmountPaidCents int64
	Status          SubscriptionStatus
	StartedUnixUTC  int64
	ExpiresUnixUTC  int64
}

// Message is one line of a session's append-only conversation.
// Seq is a strictly increasing per-session sequence assigned at insert,
// which keeps ordering stable under clock skew.
type Message struct {
	MessageID      string
	SessionID      string
	SenderID       string
	Seq            int64
	Content        string
	CreatedUnixUTC int64
}
