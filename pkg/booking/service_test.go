package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

// memState is an unlocked in-memory projection of both stores; memHub
// serializes access and gives WithTx commit-or-discard semantics so the
// opener's atomicity contract is observable in tests.
type memState struct {
	wallets       map[string]wallet.Wallet
	transactions  []wallet.Transaction
	sessions      map[string]session.ChatSession
	subscriptions map[string]session.Subscription
	messages      map[string][]session.Message
	rates         map[string]pricing.RateSheet
	nextTxSeq     int
	failSessions  error
}

func newMemState() *memState {
	return &memState{
		wallets:       map[string]wallet.Wallet{},
		sessions:      map[string]session.ChatSession{},
		subscriptions: map[string]session.Subscription{},
		messages:      map[string][]session.Message{},
		rates:         map[string]pricing.RateSheet{},
	}
}

func (state *memState) clone() *memState {
	copied := newMemState()
	for key, value := range state.wallets {
		copied.wallets[key] = value
	}
	copied.transactions = append(copied.transactions, state.transactions...)
	for key, value := range state.sessions {
		copied.sessions[key] = value
	}
	for key, value := range state.subscriptions {
		copied.subscriptions[key] = value
	}
	for key, value := range state.messages {
		copied.messages[key] = append([]session.Message(nil), value...)
	}
	for key, value := range state.rates {
		copied.rates[key] = value
	}
	copied.nextTxSeq = state.nextTxSeq
	copied.failSessions = state.failSessions
	return copied
}

// wallet.Store

func (state *memState) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, state)
}

func (state *memState) GetOrCreateWallet(_ context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	record, ok := state.wallets[userID.String()]
	if ok {
		return record, nil
	}
	walletID, err := wallet.NewWalletID("wallet-" + userID.String())
	if err != nil {
		return wallet.Wallet{}, err
	}
	record = wallet.Wallet{WalletID: walletID, UserID: userID}
	state.wallets[userID.String()] = record
	return record, nil
}

func (state *memState) GetWalletForUpdate(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	return state.GetOrCreateWallet(ctx, userID)
}

func (state *memState) SetBalance(_ context.Context, walletID wallet.WalletID, balanceCents wallet.AmountCents, updatedUnixUTC int64) error {
	for key, record := range state.wallets {
		if record.WalletID == walletID {
			record.BalanceCents = balanceCents
			record.UpdatedUnixUTC = updatedUnixUTC
			state.wallets[key] = record
			return nil
		}
	}
	return wallet.ErrInvalidWalletID
}

func (state *memState) InsertTransaction(_ context.Context, input wallet.TransactionInput) error {
	state.nextTxSeq++
	state.transactions = append(state.transactions, wallet.Transaction{
		TransactionID:  fmt.Sprintf("txn-%d", state.nextTxSeq),
		WalletID:       input.WalletID,
		Type:           input.Type,
		AmountCents:    input.AmountCents,
		Purpose:        input.Purpose,
		ReferenceID:    input.ReferenceID,
		CreatedUnixUTC: input.CreatedUnix,
	})
	return nil
}

func (state *memState) SumTransactions(_ context.Context, walletID wallet.WalletID) (int64, error) {
	var sum int64
	for _, transaction := range state.transactions {
		if transaction.WalletID == walletID {
			sum += transaction.SignedAmountCents()
		}
	}
	return sum, nil
}

func (state *memState) SumDebitsForReference(_ context.Context, walletID wallet.WalletID, referenceID wallet.ReferenceID) (int64, error) {
	var sum int64
	for _, transaction := range state.transactions {
		if transaction.WalletID == walletID && transaction.Type == wallet.TransactionDebit && transaction.ReferenceID == referenceID {
			sum += transaction.AmountCents.Int64()
		}
	}
	return sum, nil
}

func (state *memState) ListTransactions(_ context.Context, walletID wallet.WalletID, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	listed := make([]wallet.Transaction, 0)
	for index := len(state.transactions) - 1; index >= 0; index-- {
		transaction := state.transactions[index]
		if transaction.WalletID != walletID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

// session.Store

func (state *memState) CreateSession(_ context.Context, chatSession session.ChatSession) error {
	if state.failSessions != nil {
		return state.failSessions
	}
	if _, exists := state.sessions[chatSession.SessionID]; exists {
		return session.ErrSessionExists
	}
	state.sessions[chatSession.SessionID] = chatSession
	return nil
}

func (state *memState) GetSession(_ context.Context, sessionID string) (session.ChatSession, error) {
	chatSession, ok := state.sessions[sessionID]
	if !ok {
		return session.ChatSession{}, session.ErrSessionNotFound
	}
	return chatSession, nil
}

func (state *memState) ListSessionsForPrincipal(_ context.Context, principalID string, limit int) ([]session.ChatSession, error) {
	listed := make([]session.ChatSession, 0)
	for _, chatSession := range state.sessions {
		if chatSession.HasParticipant(principalID) {
			listed = append(listed, chatSession)
		}
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (state *memState) TransitionSession(_ context.Context, sessionID string, from session.SessionStatus, to session.SessionStatus) error {
	chatSession, ok := state.sessions[sessionID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if chatSession.Status != from || !from.CanTransitionTo(to) {
		return session.ErrSessionClosed
	}
	chatSession.Status = to
	state.sessions[sessionID] = chatSession
	return nil
}

func (state *memState) ExpireDueSessions(_ context.Context, nowUnixUTC int64) ([]string, error) {
	expired := make([]string, 0)
	for sessionID, chatSession := range state.sessions {
		if chatSession.Status == session.StatusActive && chatSession.ExpiredAt(nowUnixUTC) {
			chatSession.Status = session.StatusExpired
			state.sessions[sessionID] = chatSession
			expired = append(expired, sessionID)
		}
	}
	return expired, nil
}

func (state *memState) CreateSubscription(_ context.Context, subscription session.Subscription) error {
	if _, exists := state.subscriptions[subscription.SubscriptionID]; exists {
		return session.ErrSubscriptionExists
	}
	state.subscriptions[subscription.SubscriptionID] = subscription
	return nil
}

func (state *memState) GetSubscription(_ context.Context, subscriptionID string) (session.Subscription, error) {
	subscription, ok := state.subscriptions[subscriptionID]
	if !ok {
		return session.Subscription{}, session.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (state *memState) ListSubscriptionsForUser(_ context.Context, userID string, limit int) ([]session.Subscription, error) {
	listed := make([]session.Subscription, 0)
	for _, subscription := range state.subscriptions {
		if subscription.UserID == userID {
			listed = append(listed, subscription)
		}
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (state *memState) ExpireDueSubscriptions(_ context.Context, nowUnixUTC int64) ([]string, error) {
	expired := make([]string, 0)
	for subscriptionID, subscription := range state.subscriptions {
		if subscription.Status == session.SubscriptionActive && nowUnixUTC >= subscription.ExpiresUnixUTC {
			subscription.Status = session.SubscriptionExpired
			state.subscriptions[subscriptionID] = subscription
			expired = append(expired, subscriptionID)
		}
	}
	return expired, nil
}

func (state *memState) AppendMessage(_ context.Context, message session.Message) (session.Message, error) {
	existing := state.messages[message.SessionID]
	message.Seq = int64(len(existing)) + 1
	state.messages[message.SessionID] = append(existing, message)
	return message, nil
}

func (state *memState) ListMessagesAfterSeq(_ context.Context, sessionID string, afterSeq int64, limit int) ([]session.Message, error) {
	listed := make([]session.Message, 0)
	for _, message := range state.messages[sessionID] {
		if message.Seq <= afterSeq {
			continue
		}
		listed = append(listed, message)
		if len(listed) == limit {
			break
		}
	}
	return listed, nil
}

// pricing.Store

func (state *memState) GetRateSheet(_ context.Context, mentorID pricing.MentorID) (pricing.RateSheet, error) {
	sheet, ok := state.rates[mentorID.String()]
	if !ok {
		return pricing.RateSheet{MentorID: mentorID}, nil
	}
	return sheet, nil
}

func (state *memState) PutRateSheet(_ context.Context, sheet pricing.RateSheet) error {
	state.rates[sheet.MentorID.String()] = sheet
	return nil
}

// memHub serializes store access the way a database row lock would and
// commits WithTx mutations only when the closure succeeds.
type memHub struct {
	mutex sync.Mutex
	state *memState
}

func newMemHub() *memHub {
	return &memHub{state: newMemState()}
}

func (hub *memHub) WithTx(ctx context.Context, fn func(ctx context.Context, walletStore wallet.Store, sessionStore session.Store) error) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	working := hub.state.clone()
	if err := fn(ctx, working, working); err != nil {
		return err
	}
	hub.state = working
	return nil
}

// Locked pass-through implementations for use outside WithTx.

func (hub *memHub) withLock(fn func(state *memState) error) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return fn(hub.state)
}

type lockedWalletStore struct{ hub *memHub }

func (store lockedWalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.hub.WithTx(ctx, func(ctx context.Context, walletStore wallet.Store, _ session.Store) error {
		return fn(ctx, walletStore)
	})
}

func (store lockedWalletStore) GetOrCreateWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	var record wallet.Wallet
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		record, innerErr = state.GetOrCreateWallet(ctx, userID)
		return innerErr
	})
	return record, err
}

func (store lockedWalletStore) GetWalletForUpdate(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	return store.GetOrCreateWallet(ctx, userID)
}

func (store lockedWalletStore) SetBalance(ctx context.Context, walletID wallet.WalletID, balanceCents wallet.AmountCents, updatedUnixUTC int64) error {
	return store.hub.withLock(func(state *memState) error {
		return state.SetBalance(ctx, walletID, balanceCents, updatedUnixUTC)
	})
}

func (store lockedWalletStore) InsertTransaction(ctx context.Context, input wallet.TransactionInput) error {
	return store.hub.withLock(func(state *memState) error {
		return state.InsertTransaction(ctx, input)
	})
}

func (store lockedWalletStore) SumTransactions(ctx context.Context, walletID wallet.WalletID) (int64, error) {
	var sum int64
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		sum, innerErr = state.SumTransactions(ctx, walletID)
		return innerErr
	})
	return sum, err
}

func (store lockedWalletStore) SumDebitsForReference(ctx context.Context, walletID wallet.WalletID, referenceID wallet.ReferenceID) (int64, error) {
	var sum int64
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		sum, innerErr = state.SumDebitsForReference(ctx, walletID, referenceID)
		return innerErr
	})
	return sum, err
}

func (store lockedWalletStore) ListTransactions(ctx context.Context, walletID wallet.WalletID, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	var listed []wallet.Transaction
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		listed, innerErr = state.ListTransactions(ctx, walletID, beforeUnixUTC, limit)
		return innerErr
	})
	return listed, err
}

type lockedRateStore struct{ hub *memHub }

func (store lockedRateStore) GetRateSheet(ctx context.Context, mentorID pricing.MentorID) (pricing.RateSheet, error) {
	var sheet pricing.RateSheet
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		sheet, innerErr = state.GetRateSheet(ctx, mentorID)
		return innerErr
	})
	return sheet, err
}

func (store lockedRateStore) PutRateSheet(ctx context.Context, sheet pricing.RateSheet) error {
	return store.hub.withLock(func(state *memState) error {
		return state.PutRateSheet(ctx, sheet)
	})
}

type fixture struct {
	hub           *memHub
	walletService *wallet.Service
	bookingSvc    *Service
	clock         *int64
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	hub := newMemHub()
	clock := int64(1_000_000)
	nowFn := func() int64 { return clock }

	walletService, err := wallet.NewService(lockedWalletStore{hub: hub}, nowFn)
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	resolver, err := pricing.NewResolver(lockedRateStore{hub: hub})
	if err != nil {
		test.Fatalf("resolver: %v", err)
	}
	counter := 0
	bookingService, err := NewService(hub, walletService, sessionStoreForHub(hub), resolver, nowFn, WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("generated-%d", counter)
	}))
	if err != nil {
		test.Fatalf("booking service: %v", err)
	}
	return &fixture{hub: hub, walletService: walletService, bookingSvc: bookingService, clock: &clock}
}

// sessionStoreForHub exposes the hub's session state outside transactions.
type hubSessionStore struct{ hub *memHub }

func sessionStoreForHub(hub *memHub) session.Store {
	return hubSessionStore{hub: hub}
}

func (store hubSessionStore) CreateSession(ctx context.Context, chatSession session.ChatSession) error {
	return store.hub.withLock(func(state *memState) error { return state.CreateSession(ctx, chatSession) })
}

func (store hubSessionStore) GetSession(ctx context.Context, sessionID string) (session.ChatSession, error) {
	var chatSession session.ChatSession
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		chatSession, innerErr = state.GetSession(ctx, sessionID)
		return innerErr
	})
	return chatSession, err
}

func (store hubSessionStore) ListSessionsForPrincipal(ctx context.Context, principalID string, limit int) ([]session.ChatSession, error) {
	var listed []session.ChatSession
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		listed, innerErr = state.ListSessionsForPrincipal(ctx, principalID, limit)
		return innerErr
	})
	return listed, err
}

func (store hubSessionStore) TransitionSession(ctx context.Context, sessionID string, from session.SessionStatus, to session.SessionStatus) error {
	return store.hub.withLock(func(state *memState) error { return state.TransitionSession(ctx, sessionID, from, to) })
}

func (store hubSessionStore) ExpireDueSessions(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	var expired []string
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		expired, innerErr = state.ExpireDueSessions(ctx, nowUnixUTC)
		return innerErr
	})
	return expired, err
}

func (store hubSessionStore) CreateSubscription(ctx context.Context, subscription session.Subscription) error {
	return store.hub.withLock(func(state *memState) error { return state.CreateSubscription(ctx, subscription) })
}

func (store hubSessionStore) GetSubscription(ctx context.Context, subscriptionID string) (session.Subscription, error) {
	var subscription session.Subscription
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		subscription, innerErr = state.GetSubscription(ctx, subscriptionID)
		return innerErr
	})
	return subscription, err
}

func (store hubSessionStore) ListSubscriptionsForUser(ctx context.Context, userID string, limit int) ([]session.Subscription, error) {
	var listed []session.Subscription
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		listed, innerErr = state.ListSubscriptionsForUser(ctx, userID, limit)
		return innerErr
	})
	return listed, err
}

func (store hubSessionStore) ExpireDueSubscriptions(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	var expired []string
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		expired, innerErr = state.ExpireDueSubscriptions(ctx, nowUnixUTC)
		return innerErr
	})
	return expired, err
}

func (store hubSessionStore) AppendMessage(ctx context.Context, message session.Message) (session.Message, error) {
	var appended session.Message
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		appended, innerErr = state.AppendMessage(ctx, message)
		return innerErr
	})
	return appended, err
}

func (store hubSessionStore) ListMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]session.Message, error) {
	var listed []session.Message
	err := store.hub.withLock(func(state *memState) error {
		var innerErr error
		listed, innerErr = state.ListMessagesAfterSeq(ctx, sessionID, afterSeq, limit)
		return innerErr
	})
	return listed, err
}

func (fix *fixture) seedWallet(test *testing.T, userID string, balanceCents int64) {
	test.Helper()
	if balanceCents <= 0 {
		// Touch the wallet so it exists at zero.
		parsedUserID, err := wallet.NewUserID(userID)
		if err != nil {
			test.Fatalf("user id: %v", err)
		}
		if _, err := fix.walletService.Balance(context.Background(), parsedUserID); err != nil {
			test.Fatalf("seed wallet: %v", err)
		}
		return
	}
	if _, err := fix.bookingSvc.Recharge(context.Background(), userID, balanceCents); err != nil {
		test.Fatalf("seed wallet: %v", err)
	}
}

func (fix *fixture) seedRates(test *testing.T, mentorID string, sheet pricing.RateSheet) {
	test.Helper()
	parsedMentorID, err := pricing.NewMentorID(mentorID)
	if err != nil {
		test.Fatalf("mentor id: %v", err)
	}
	sheet.MentorID = parsedMentorID
	if err := fix.hub.withLock(func(state *memState) error {
		return state.PutRateSheet(context.Background(), sheet)
	}); err != nil {
		test.Fatalf("seed rates: %v", err)
	}
}

func (fix *fixture) balance(test *testing.T, userID string) int64 {
	test.Helper()
	parsedUserID, err := wallet.NewUserID(userID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	balance, err := fix.walletService.Balance(context.Background(), parsedUserID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func TestOpenQuickSessionDebitsAndActivates(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 200)

	opened, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
	if err != nil {
		test.Fatalf("open: %v", err)
	}

	if opened.Status != session.StatusActive {
		test.Fatalf("expected ACTIVE, got %s", opened.Status)
	}
	if opened.AmountPaidCents != 150 {
		test.Fatalf("expected amount paid 150, got %d", opened.AmountPaidCents)
	}
	if opened.ExpiresUnixUTC-opened.StartedUnixUTC != 600 {
		test.Fatalf("expected 10 minute window, got %d seconds", opened.ExpiresUnixUTC-opened.StartedUnixUTC)
	}
	if got := fix.balance(test, "user-1"); got != 50 {
		test.Fatalf("expected balance 50, got %d", got)
	}

	debits := 0
	for _, transaction := range fix.hub.state.transactions {
		if transaction.Type == wallet.TransactionDebit {
			debits++
			if transaction.Purpose != wallet.PurposeChatSession {
				test.Fatalf("expected CHAT_SESSION purpose, got %s", transaction.Purpose)
			}
			if transaction.ReferenceID.String() != opened.SessionID {
				test.Fatalf("debit must reference the session id")
			}
		}
	}
	if debits != 1 {
		test.Fatalf("expected exactly 1 debit, got %d", debits)
	}
}

func TestOpenQuickSessionInsufficientFunds(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 100)

	_, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := fix.balance(test, "user-1"); got != 100 {
		test.Fatalf("expected balance unchanged at 100, got %d", got)
	}
	if len(fix.hub.state.sessions) != 0 {
		test.Fatalf("expected no session rows, got %d", len(fix.hub.state.sessions))
	}
}

func TestOpenQuickSessionUnpricedProduct(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 1000)

	_, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 20)
	if !errors.Is(err, pricing.ErrProductNotOffered) {
		test.Fatalf("expected ErrProductNotOffered, got %v", err)
	}
}

func TestOpenQuickSessionRejectsOddDurations(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	_, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 15)
	if !errors.Is(err, ErrInvalidDuration) {
		test.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestConcurrentOpensCannotOverdraw(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 150)

	var waitGroup sync.WaitGroup
	results := make([]error, 2)
	for index := range results {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			_, results[slot] = fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
		}(index)
	}
	waitGroup.Wait()

	successes, insufficient := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, wallet.ErrInsufficientFunds):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		test.Fatalf("expected exactly one success and one insufficient-funds failure, got %d/%d", successes, insufficient)
	}
	if got := fix.balance(test, "user-1"); got != 0 {
		test.Fatalf("expected balance 0, got %d", got)
	}
	if len(fix.hub.state.sessions) != 1 {
		test.Fatalf("expected exactly one session, got %d", len(fix.hub.state.sessions))
	}
}

func TestRetryWithReservedIDNeverDoubleDebits(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 200)

	reservedID := "reserved-session-1"

	// Simulate a first attempt that debited the wallet but failed before the
	// session row landed: the debit sits in the ledger, no session exists.
	parsedUserID, err := wallet.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	amount, err := wallet.NewAmountCents(150)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	referenceID, err := wallet.NewReferenceID(reservedID)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	if err := fix.walletService.Debit(context.Background(), parsedUserID, amount, wallet.PurposeChatSession, referenceID); err != nil {
		test.Fatalf("seed debit: %v", err)
	}

	opened, err := fix.bookingSvc.OpenQuickSessionWithID(context.Background(), "user-1", "mentor-1", 10, reservedID)
	if err != nil {
		test.Fatalf("retry open: %v", err)
	}
	if opened.SessionID != reservedID {
		test.Fatalf("expected session under reserved id")
	}
	if got := fix.balance(test, "user-1"); got != 50 {
		test.Fatalf("expected balance 50 after single debit, got %d", got)
	}

	debits := 0
	for _, transaction := range fix.hub.state.transactions {
		if transaction.Type == wallet.TransactionDebit && transaction.ReferenceID.String() == reservedID {
			debits++
		}
	}
	if debits != 1 {
		test.Fatalf("expected exactly 1 debit for reserved id, got %d", debits)
	}

	// A second full retry just returns the existing session.
	again, err := fix.bookingSvc.OpenQuickSessionWithID(context.Background(), "user-1", "mentor-1", 10, reservedID)
	if err != nil {
		test.Fatalf("second retry: %v", err)
	}
	if again.SessionID != reservedID {
		test.Fatalf("expected the same session back")
	}
	if got := fix.balance(test, "user-1"); got != 50 {
		test.Fatalf("balance moved on idempotent retry: %d", got)
	}
}

func TestReservedIDOwnedByAnotherUserIsRejected(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150, SubWeekCents: 2500})
	fix.seedWallet(test, "user-1", 5000)
	fix.seedWallet(test, "user-2", 5000)

	opened, err := fix.bookingSvc.OpenQuickSessionWithID(context.Background(), "user-1", "mentor-1", 10, "reserved-quick-1")
	if err != nil {
		test.Fatalf("open: %v", err)
	}

	// A stale or foreign reserved id must never hand back someone else's
	// session on the retry path.
	if _, err := fix.bookingSvc.OpenQuickSessionWithID(context.Background(), "user-2", "mentor-1", 10, opened.SessionID); !errors.Is(err, session.ErrSessionExists) {
		test.Fatalf("expected ErrSessionExists for foreign reserved id, got %v", err)
	}
	if got := fix.balance(test, "user-2"); got != 5000 {
		test.Fatalf("expected untouched balance 5000, got %d", got)
	}

	purchased, err := fix.bookingSvc.PurchaseSubscriptionWithID(context.Background(), "user-1", "mentor-1", session.PackageWeek, "reserved-sub-1")
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := fix.bookingSvc.PurchaseSubscriptionWithID(context.Background(), "user-2", "mentor-1", session.PackageWeek, purchased.SubscriptionID); !errors.Is(err, session.ErrSubscriptionExists) {
		test.Fatalf("expected ErrSubscriptionExists for foreign reserved id, got %v", err)
	}
	if got := fix.balance(test, "user-2"); got != 5000 {
		test.Fatalf("expected untouched balance 5000, got %d", got)
	}
}

func TestSessionCreateFailureRollsBackDebit(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 200)

	storeDown := errors.New("store unavailable")
	fix.hub.withLock(func(state *memState) error {
		state.failSessions = storeDown
		return nil
	})

	_, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
	if !errors.Is(err, storeDown) {
		test.Fatalf("expected store failure, got %v", err)
	}
	if got := fix.balance(test, "user-1"); got != 200 {
		test.Fatalf("expected debit rolled back, balance 200, got %d", got)
	}
}

func TestPurchaseSubscriptionWeek(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{SubWeekCents: 900})
	fix.seedWallet(test, "user-1", 1000)

	purchased, err := fix.bookingSvc.PurchaseSubscription(context.Background(), "user-1", "mentor-1", session.PackageWeek)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if purchased.Status != session.SubscriptionActive {
		test.Fatalf("expected ACTIVE subscription, got %s", purchased.Status)
	}
	if purchased.ExpiresUnixUTC-purchased.StartedUnixUTC != 7*24*3600 {
		test.Fatalf("expected 7 day validity, got %d seconds", purchased.ExpiresUnixUTC-purchased.StartedUnixUTC)
	}
	if got := fix.balance(test, "user-1"); got != 100 {
		test.Fatalf("expected balance 100, got %d", got)
	}
}

func TestOpenSubscriptionSessionCopiesExpiry(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{SubWeekCents: 900})
	fix.seedWallet(test, "user-1", 900)

	purchased, err := fix.bookingSvc.PurchaseSubscription(context.Background(), "user-1", "mentor-1", session.PackageWeek)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}

	// One day later.
	*fix.clock += 24 * 3600
	opened, err := fix.bookingSvc.OpenSubscriptionSession(context.Background(), "user-1", purchased.SubscriptionID)
	if err != nil {
		test.Fatalf("open subscription session: %v", err)
	}
	if opened.Type != session.TypeSubscription {
		test.Fatalf("expected SUBSCRIPTION type, got %s", opened.Type)
	}
	if opened.ExpiresUnixUTC != purchased.ExpiresUnixUTC {
		test.Fatalf("session expiry must copy the subscription's")
	}
	if opened.DurationMinutes != 0 {
		test.Fatalf("subscription sessions carry no duration")
	}
	if opened.AmountPaidCents != 0 {
		test.Fatalf("subscription sessions are already paid for")
	}
	if got := fix.balance(test, "user-1"); got != 0 {
		test.Fatalf("no debit expected, balance %d", got)
	}
}

func TestOpenSubscriptionSessionAfterExpiryFails(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{SubWeekCents: 900})
	fix.seedWallet(test, "user-1", 900)

	purchased, err := fix.bookingSvc.PurchaseSubscription(context.Background(), "user-1", "mentor-1", session.PackageWeek)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}

	*fix.clock = purchased.ExpiresUnixUTC
	if _, err := fix.bookingSvc.OpenSubscriptionSession(context.Background(), "user-1", purchased.SubscriptionID); !errors.Is(err, ErrSubscriptionExpired) {
		test.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
}

func TestOpenSubscriptionSessionWrongOwner(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{SubWeekCents: 900})
	fix.seedWallet(test, "user-1", 900)

	purchased, err := fix.bookingSvc.PurchaseSubscription(context.Background(), "user-1", "mentor-1", session.PackageWeek)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := fix.bookingSvc.OpenSubscriptionSession(context.Background(), "user-2", purchased.SubscriptionID); !errors.Is(err, ErrNotSubscriptionOwner) {
		test.Fatalf("expected ErrNotSubscriptionOwner, got %v", err)
	}
}

func TestCompleteSessionIsTerminal(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 150)

	opened, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if err := fix.bookingSvc.CompleteSession(context.Background(), opened.SessionID, "user-1"); err != nil {
		test.Fatalf("complete: %v", err)
	}
	if err := fix.bookingSvc.CompleteSession(context.Background(), opened.SessionID, "mentor-1"); !errors.Is(err, session.ErrSessionClosed) {
		test.Fatalf("expected ErrSessionClosed on repeat completion, got %v", err)
	}
}

func TestCompleteSessionRejectsStrangers(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	fix.seedRates(test, "mentor-1", pricing.RateSheet{Quick10Cents: 150})
	fix.seedWallet(test, "user-1", 150)

	opened, err := fix.bookingSvc.OpenQuickSession(context.Background(), "user-1", "mentor-1", 10)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	if err := fix.bookingSvc.CompleteSession(context.Background(), opened.SessionID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		test.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestRechargeCreditsWallet(test *testing.T) {
	test.Parallel()
	fix := newFixture(test)
	paymentID, err := fix.bookingSvc.Recharge(context.Background(), "user-1", 500)
	if err != nil {
		test.Fatalf("recharge: %v", err)
	}
	if paymentID == "" {
		test.Fatalf("expected a payment id")
	}
	if got := fix.balance(test, "user-1"); got != 500 {
		test.Fatalf("expected balance 500, got %d", got)
	}
}
