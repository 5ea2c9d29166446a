package session

import "context"

// Store is the persistence contract for sessions, subscriptions, and messages.
//
// CreateSession and CreateSubscription are keyed by caller-reserved ids and
// must fail with ErrSessionExists / ErrSubscriptionExists on a duplicate id,
// which is what makes the opener's debit-then-create sequence retryable.
//
// TransitionSession is a compare-and-swap: it moves the session from `from`
// to `to` only when the stored status still equals `from` and reports
// ErrSessionClosed otherwise, so concurrent expiry triggers collapse to
// exactly one transition.
//
// AppendMessage assigns the next per-session sequence number under the
// session row lock; no two messages in one session share a Seq. The same
// lock re-verifies the session: the append fails with ErrSessionClosed when
// the session is no longer ACTIVE or the message instant is at or past
// the session's expiry, so no message lands in a terminal session.
type Store interface {
	CreateSession(ctx context.Context, chatSession ChatSession) error
	GetSession(ctx context.Context, sessionID string) (ChatSession, error)
	ListSessionsForPrincipal(ctx context.Context, principalID string, limit int) ([]ChatSession, error)
	TransitionSession(ctx context.Context, sessionID string, from SessionStatus, to SessionStatus) error
	ExpireDueSessions(ctx context.Context, nowUnixUTC int64) ([]string, error)

	CreateSubscription(ctx context.Context, subscription Subscription) error
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, userID string, limit int) ([]Subscription, error)
	ExpireDueSubscriptions(ctx context.Context, nowUnixUTC int64) ([]string, error)

	AppendMessage(ctx context.Context, message Message) (Message, error)
	ListMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)
}
