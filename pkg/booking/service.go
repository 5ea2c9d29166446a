// Package booking orchestrates "spend from wallet, open session" as one
// atomic unit. It holds no state of its own: the wallet and session stores
// share a single database transaction per operation, and every purchase
// reserves its target record's id up front so a retry after a transient
// failure can never charge the wallet twice.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

// Stores runs a function against transaction-scoped wallet and session
// stores; the closure's writes commit or roll back together.
type Stores interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, walletStore wallet.Store, sessionStore session.Store) error) error
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithIDGenerator overrides the reserved-id generator (tests).
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

// Service is the session opener.
type Service struct {
	stores        Stores
	walletService *wallet.Service
	sessionStore  session.Store
	resolver      *pricing.Resolver
	nowFn         func() int64
	newID         func() string
}

// NewService wires a Service.
func NewService(stores Stores, walletService *wallet.Service, sessionStore session.Store, resolver *pricing.Resolver, now func() int64, options ...ServiceOption) (*Service, error) {
	if stores == nil || walletService == nil || sessionStore == nil || resolver == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	service := &Service{
		stores:        stores,
		walletService: walletService,
		sessionStore:  sessionStore,
		resolver:      resolver,
		nowFn:         now,
		newID:         uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenQuickSession opens a time-boxed chat session, debiting the user's
// wallet for the mentor's quoted price. The session id is reserved before
// any money moves.
func (service *Service) OpenQuickSession(ctx context.Context, userID string, mentorID string, durationMinutes int) (session.ChatSession, error) {
	return service.OpenQuickSessionWithID(ctx, userID, mentorID, durationMinutes, service.newID())
}

// OpenQuickSessionWithID opens a quick session under a caller-reserved id.
// Retrying with the same reserved id after a transient failure resumes the
// operation instead of charging again: a debit already recorded for the id
// is kept, a session already created for the id is returned as-is. A
// reserved id already holding a session for a different user or mentor is
// rejected, never resumed.
func (service *Service) OpenQuickSessionWithID(ctx context.Context, userID string, mentorID string, durationMinutes int, reservedSessionID string) (session.ChatSession, error) {
	productKind, err := productForDuration(durationMinutes)
	if err != nil {
		return session.ChatSession{}, err
	}
	parsedMentorID, err := pricing.NewMentorID(mentorID)
	if err != nil {
		return session.ChatSession{}, err
	}
	priceCents, err := service.resolver.Quote(ctx, parsedMentorID, productKind)
	if err != nil {
		return session.ChatSession{}, err
	}
	parsedUserID, err := wallet.NewUserID(userID)
	if err != nil {
		return session.ChatSession{}, err
	}
	amount, err := wallet.NewAmountCents(priceCents)
	if err != nil {
		return session.ChatSession{}, err
	}
	referenceID, err := wallet.NewReferenceID(reservedSessionID)
	if err != nil {
		return session.ChatSession{}, err
	}

	var opened session.ChatSession
	operationError := service.stores.WithTx(ctx, func(ctx context.Context, walletStore wallet.Store, sessionStore session.Store) error {
		existing, err := sessionStore.GetSession(ctx, reservedSessionID)
		if err == nil {
			if existing.UserID != userID || existing.MentorID != mentorID {
				return fmt.Errorf("%w: reserved id belongs to another session", session.ErrSessionExists)
			}
			opened = existing
			return nil
		}
		if !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
		debitErr := service.walletService.DebitInTx(ctx, walletStore, parsedUserID, amount, wallet.PurposeChatSession, referenceID)
		if debitErr != nil && !errors.Is(debitErr, wallet.ErrDuplicateReference) {
			return debitErr
		}
		nowUnixUTC := service.nowFn()
		opened = session.ChatSession{
			SessionID:       reservedSessionID,
			UserID:          userID,
			MentorID:        mentorID,
			Type:            session.TypeQuick,
			DurationMinutes: durationMinutes,
			AmountPaidCents: priceCents,
			Status:          session.StatusActive,
			StartedUnixUTC:  nowUnixUTC,
			ExpiresUnixUTC:  nowUnixUTC + int64(durationMinutes)*60,
		}
		return sessionStore.CreateSession(ctx, opened)
	})
	if operationError != nil {
		return session.ChatSession{}, operationError
	}
	return opened, nil
}

// OpenSubscriptionSession opens a chat session under an already-paid
// subscription. No debit occurs. The session's expiry is copied from the
// subscription at creation time and is never re-derived afterwards, so a
// later renewal cannot retroactively extend an open session.
func (service *Service) OpenSubscriptionSession(ctx context.Context, userID string, subscriptionID string) (session.ChatSession, error) {
	subscription, err := service.sessionStore.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return session.ChatSession{}, err
	}
	if subscription.UserID != userID {
		return session.ChatSession{}, ErrNotSubscriptionOwner
	}
	if subscription.Status != session.SubscriptionActive {
		return session.ChatSession{}, ErrSubscriptionNotActive
	}
	nowUnixUTC := service.nowFn()
	if nowUnixUTC >= subscription.ExpiresUnixUTC {
		return session.ChatSession{}, ErrSubscriptionExpired
	}
	opened := session.ChatSession{
		SessionID:      service.newID(),
		UserID:         userID,
		MentorID:       subscription.MentorID,
		Type:           session.TypeSubscription,
		SubscriptionID: subscriptionID,
		Status:         session.StatusActive,
		StartedUnixUTC: nowUnixUTC,
		ExpiresUnixUTC: subscription.ExpiresUnixUTC,
	}
	if err := service.sessionStore.CreateSession(ctx, opened); err != nil {
		return session.ChatSession{}, err
	}
	return opened, nil
}

// PurchaseSubscription buys a weekly or monthly pass with the same
// reserve-id-then-debit contract as quick sessions.
func (service *Service) PurchaseSubscription(ctx context.Context, userID string, mentorID string, packageType session.PackageType) (session.Subscription, error) {
	return service.PurchaseSubscriptionWithID(ctx, userID, mentorID, packageType, service.newID())
}

// PurchaseSubscriptionWithID purchases a subscription under a
// caller-reserved id; retries with the same id never double-debit.
func (service *Service) PurchaseSubscriptionWithID(ctx context.Context, userID string, mentorID string, packageType session.PackageType, reservedSubscriptionID string) (session.Subscription, error) {
	validity, err := packageType.Duration()
	if err != nil {
		return session.Subscription{}, err
	}
	productKind := pricing.ProductSubWeek
	if packageType == session.PackageMonth {
		productKind = pricing.ProductSubMonth
	}
	parsedMentorID, err := pricing.NewMentorID(mentorID)
	if err != nil {
		return session.Subscription{}, err
	}
	priceCents, err := service.resolver.Quote(ctx, parsedMentorID, productKind)
	if err != nil {
		return session.Subscription{}, err
	}
	parsedUserID, err := wallet.NewUserID(userID)
	if err != nil {
		return session.Subscription{}, err
	}
	amount, err := wallet.NewAmountCents(priceCents)
	if err != nil {
		return session.Subscription{}, err
	}
	referenceID, err := wallet.NewReferenceID(reservedSubscriptionID)
	if err != nil {
		return session.Subscription{}, err
	}

	var purchased session.Subscription
	operationError := service.stores.WithTx(ctx, func(ctx context.Context, walletStore wallet.Store, sessionStore session.Store) error {
		existing, err := sessionStore.GetSubscription(ctx, reservedSubscriptionID)
		if err == nil {
			if existing.UserID != userID || existing.MentorID != mentorID {
				return fmt.Errorf("%w: reserved id belongs to another subscription", session.ErrSubscriptionExists)
			}
			purchased = existing
			return nil
		}
		if !errors.Is(err, session.ErrSubscriptionNotFound) {
			return err
		}
		debitErr := service.walletService.DebitInTx(ctx, walletStore, parsedUserID, amount, wallet.PurposeSubscription, referenceID)
		if debitErr != nil && !errors.Is(debitErr, wallet.ErrDuplicateReference) {
			return debitErr
		}
		nowUnixUTC := service.nowFn()
		purchased = session.Subscription{
			SubscriptionID:  reservedSubscriptionID,
			UserID:          userID,
			MentorID:        mentorID,
			Package:         packageType,
			AmountPaidCents: priceCents,
			Status:          session.SubscriptionActive,
			StartedUnixUTC:  nowUnixUTC,
			ExpiresUnixUTC:  nowUnixUTC + int64(validity/time.Second),
		}
		return sessionStore.CreateSubscription(ctx, purchased)
	})
	if operationError != nil {
		return session.Subscription{}, operationError
	}
	return purchased, nil
}

// CompleteSession voluntarily ends an active session. Participants only.
func (service *Service) CompleteSession(ctx context.Context, sessionID string, principalID string) error {
	chatSession, err := service.sessionStore.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !chatSession.HasParticipant(principalID) {
		return ErrNotParticipant
	}
	return service.sessionStore.TransitionSession(ctx, sessionID, session.StatusActive, session.StatusCompleted)
}

// Recharge credits the user's wallet with simulated funds. The generated
// payment id becomes the transaction reference.
func (service *Service) Recharge(ctx context.Context, userID string, amountCents int64) (string, error) {
	parsedUserID, err := wallet.NewUserID(userID)
	if err != nil {
		return "", err
	}
	amount, err := wallet.NewAmountCents(amountCents)
	if err != nil {
		return "", err
	}
	paymentID := service.newID()
	referenceID, err := wallet.NewReferenceID(paymentID)
	if err != nil {
		return "", err
	}
	if err := service.walletService.Credit(ctx, parsedUserID, amount, wallet.PurposeRecharge, referenceID); err != nil {
		return "", err
	}
	return paymentID, nil
}

func productForDuration(durationMinutes int) (pricing.ProductKind, error) {
	switch durationMinutes {
	case 10:
		return pricing.ProductQuick10, nil
	case 20:
		return pricing.ProductQuick20, nil
	default:
		return "", fmt.Errorf("%w: %d minutes", ErrInvalidDuration, durationMinutes)
	}
}
