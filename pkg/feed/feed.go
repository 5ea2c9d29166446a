// Package feed is the ordered, append-only message stream scoped to one
// chat session. Writes re-check wall-clock expiry themselves; they never
// assume the expiry monitor has already flipped the session.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
)

// Domain-level error values returned by the message feed.
var (
	ErrNotParticipant       = errors.New("sender is not a session participant")
	ErrSessionNotActive     = errors.New("session not active")
	ErrSessionExpired       = errors.New("session expired")
	ErrContentTooLong       = errors.New("message content too long")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

const (
	maxContentLength = 4000

	subscriberBufferSize = 64
)

// SessionMessagesSubject names the bus subject carrying new-message
// notifications for one session.
func SessionMessagesSubject(sessionID string) string {
	return "sessions." + sessionID + ".messages"
}

// SessionExpiredSubject is the bus subject carrying session expiry events.
const SessionExpiredSubject = "sessions.expired"

// Subscription is a live bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the publish/subscribe boundary between the feed and its
// transports; NATS in multi-node deployments, an in-process bus otherwise.
type Bus interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string, handler func(payload []byte)) (Subscription, error)
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithIDGenerator overrides the message id generator (tests).
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

// Service posts to and subscribes from per-session message streams.
type Service struct {
	store session.Store
	bus   Bus
	nowFn func() int64
	newID func() string
}

// NewService wires a Service.
func NewService(store session.Store, bus Bus, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil || bus == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	service := &Service{store: store, bus: bus, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Post appends a message to an active session's stream.
//
// The expiry check runs against the wall clock here, not against the stored
// status alone: a session whose instant has passed rejects writes even when
// the background sweep has not yet flipped it to EXPIRED.
func (service *Service) Post(ctx context.Context, sessionID string, senderID string, content string) (session.Message, error) {
	if content == "" {
		return session.Message{}, fmt.Errorf("%w: empty content", session.ErrInvalidMessageContent)
	}
	if len(content) > maxContentLength {
		return session.Message{}, fmt.Errorf("%w: %d bytes", ErrContentTooLong, len(content))
	}
	chatSession, err := service.store.GetSession(ctx, sessionID)
	if err != nil {
		return session.Message{}, err
	}
	if !chatSession.HasParticipant(senderID) {
		return session.Message{}, ErrNotParticipant
	}
	if chatSession.Status != session.StatusActive {
		return session.Message{}, ErrSessionNotActive
	}
	if chatSession.ExpiredAt(service.nowFn()) {
		return session.Message{}, ErrSessionExpired
	}
	appended, err := service.store.AppendMessage(ctx, session.Message{
		MessageID:      service.newID(),
		SessionID:      sessionID,
		SenderID:       senderID,
		Content:        content,
		CreatedUnixUTC: service.nowFn(),
	})
	if err != nil {
		// The store re-checked under its row lock; the session may have
		// turned terminal after the reads above.
		if errors.Is(err, session.ErrSessionClosed) {
			return session.Message{}, ErrSessionNotActive
		}
		return session.Message{}, err
	}
	// Best effort: subscribers poll the store on a nudge, so a lost
	// notification delays delivery but never loses a message.
	_ = service.bus.Publish(SessionMessagesSubject(sessionID), []byte(appended.MessageID))
	return appended, nil
}

// Subscribe produces the session's message stream on a channel: the full
// history first, then live messages as they arrive. Ordering follows the
// per-session sequence; delivery is at-least-once, so consumers de-duplicate
// by message id. The channel closes after the session is observed COMPLETED
// or EXPIRED, once every stored message has been delivered. The returned
// cancel function releases the subscription; the channel is also released
// when ctx ends.
func (service *Service) Subscribe(ctx context.Context, sessionID string) (<-chan session.Message, func(), error) {
	if _, err := service.store.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}

	messages := make(chan session.Message, subscriberBufferSize)
	nudges := make(chan struct{}, 1)
	done := make(chan struct{})

	nudge := func() {
		select {
		case nudges <- struct{}{}:
		default:
		}
	}

	subscription, err := service.bus.Subscribe(SessionMessagesSubject(sessionID), func([]byte) {
		nudge()
	})
	if err != nil {
		return nil, nil, err
	}
	// Expiry events carry the session id; a matching one wakes the pump,
	// which observes the terminal status and closes the stream.
	expirySubscription, err := service.bus.Subscribe(SessionExpiredSubject, func(payload []byte) {
		if string(payload) == sessionID {
			nudge()
		}
	})
	if err != nil {
		_ = subscription.Unsubscribe()
		return nil, nil, err
	}

	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			_ = subscription.Unsubscribe()
			_ = expirySubscription.Unsubscribe()
			close(done)
		})
	}

	go service.pump(ctx, sessionID, messages, nudges, done)
	// Kick off the initial replay.
	nudge()

	return messages, cancel, nil
}

// pump drains the store into the subscriber channel in sequence order.
// The store is the ordering authority; the bus only wakes the pump. The
// channel closes once the session is observed terminal or past its expiry:
// the store rejects appends to terminal sessions, so a final drain after
// that observation cannot miss a message.
func (service *Service) pump(ctx context.Context, sessionID string, messages chan<- session.Message, nudges <-chan struct{}, done <-chan struct{}) {
	defer close(messages)
	var lastSeq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-nudges:
		}
		if !service.drain(ctx, sessionID, messages, &lastSeq, done) {
			return
		}
		chatSession, err := service.store.GetSession(ctx, sessionID)
		if err != nil {
			continue
		}
		if chatSession.Status != session.StatusActive || chatSession.ExpiredAt(service.nowFn()) {
			service.drain(ctx, sessionID, messages, &lastSeq, done)
			return
		}
	}
}

func (service *Service) drain(ctx context.Context, sessionID string, messages chan<- session.Message, lastSeq *int64, done <-chan struct{}) bool {
	for {
		batch, err := service.store.ListMessagesAfterSeq(ctx, sessionID, *lastSeq, subscriberBufferSize)
		if err != nil || len(batch) == 0 {
			return true
		}
		for _, message := range batch {
			select {
			case messages <- message:
				*lastSeq = message.Seq
			case <-ctx.Done():
				return false
			case <-done:
				return false
			}
		}
	}
}
