// Package gormstore persists wallets, sessions, subscriptions, messages, and
// mentor rates through GORM, against sqlite or postgres.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/tradementor/pkg/pricing"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/session"
	"github.com/MarkoPoloResearchLab/tradementor/pkg/wallet"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectWallet    = "wallet"
	errorSubjectTx        = "transaction"
	errorCodeCreate       = "create"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
)

// Store is the persistence hub. It serves session and pricing reads and
// writes directly, hands out the wallet facet via Wallets, and opens the
// shared transaction that session opening rides on.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Wallets returns the wallet facet bound to the same connection.
func (store *Store) Wallets() *WalletStore {
	return &WalletStore{db: store.db}
}

// WithTx runs fn with wallet and session stores bound to one database
// transaction, so a debit and a session create commit or roll back together.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, walletStore wallet.Store, sessionStore session.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &WalletStore{db: transaction}, &Store{db: transaction})
	})
}

// PrepareSchema migrates every table. Intended for sqlite deployments and
// tests; postgres schemas are managed outside the process.
func PrepareSchema(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// --- session.Store ---

func (store *Store) CreateSession(ctx context.Context, chatSession session.ChatSession) error {
	var subscriptionID *string
	if chatSession.SubscriptionID != "" {
		value := chatSession.SubscriptionID
		subscriptionID = &value
	}
	record := ChatSessionRecord{
		SessionID:       chatSession.SessionID,
		UserID:          chatSession.UserID,
		MentorID:        chatSession.MentorID,
		Type:            string(chatSession.Type),
		SubscriptionID:  subscriptionID,
		DurationMinutes: chatSession.DurationMinutes,
		AmountPaidCents: chatSession.AmountPaidCents,
		Status:          string(chatSession.Status),
		StartedAt:       time.Unix(chatSession.StartedUnixUTC, 0).UTC(),
		ExpiresAt:       time.Unix(chatSession.ExpiresUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return session.ErrSessionExists
	}
	return err
}

func (store *Store) GetSession(ctx context.Context, sessionID string) (session.ChatSession, error) {
	var record ChatSessionRecord
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.ChatSession{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.ChatSession{}, err
	}
	return mapChatSession(record), nil
}

func (store *Store) ListSessionsForPrincipal(ctx context.Context, principalID string, limit int) ([]session.ChatSession, error) {
	var rows []ChatSessionRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? OR mentor_id = ?", principalID, principalID).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]session.ChatSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, mapChatSession(row))
	}
	return sessions, nil
}

func (store *Store) TransitionSession(ctx context.Context, sessionID string, from session.SessionStatus, to session.SessionStatus) error {
	if !from.CanTransitionTo(to) {
		return session.ErrInvalidSessionStatus
	}
	result := store.db.WithContext(ctx).
		Model(&ChatSessionRecord{}).
		Where("session_id = ? AND status = ?", sessionID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return session.ErrSessionClosed
	}
	return nil
}

func (store *Store) ExpireDueSessions(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	cutoff := time.Unix(nowUnixUTC, 0).UTC()
	var dueIDs []string
	err := store.db.WithContext(ctx).
		Model(&ChatSessionRecord{}).
		Where("status = ? AND expires_at <= ?", string(session.StatusActive), cutoff).
		Pluck("session_id", &dueIDs).Error
	if err != nil {
		return nil, err
	}
	// Per-row compare-and-swap: a concurrent sweeper or a CompleteSession
	// racing this pass wins or loses per session, never both.
	expired := make([]string, 0, len(dueIDs))
	for _, sessionID := range dueIDs {
		result := store.db.WithContext(ctx).
			Model(&ChatSessionRecord{}).
			Where("session_id = ? AND status = ?", sessionID, string(session.StatusActive)).
			Updates(map[string]any{"status": string(session.StatusExpired), "updated_at": cutoff})
		if result.Error != nil {
			return expired, result.Error
		}
		if result.RowsAffected > 0 {
			expired = append(expired, sessionID)
		}
	}
	return expired, nil
}

func (store *Store) CreateSubscription(ctx context.Context, subscription session.Subscription) error {
	record := SubscriptionRecord{
		SubscriptionID:  subscription.SubscriptionID,
		UserID:          subscription.UserID,
		MentorID:        subscription.MentorID,
		Package:         string(subscription.Package),
		AmountPaidCents: subscription.AmountPaidCents,
		Status:          string(subscription.Status),
		StartedAt:       time.Unix(subscription.StartedUnixUTC, 0).UTC(),
		ExpiresAt:       time.Unix(subscription.ExpiresUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return session.ErrSubscriptionExists
	}
	return err
}

func (store *Store) GetSubscription(ctx context.Context, subscriptionID string) (session.Subscription, error) {
	var record SubscriptionRecord
	err := store.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Subscription{}, session.ErrSubscriptionNotFound
	}
	if err != nil {
		return session.Subscription{}, err
	}
	return mapSubscription(record), nil
}

func (store *Store) ListSubscriptionsForUser(ctx context.Context, userID string, limit int) ([]session.Subscription, error) {
	var rows []SubscriptionRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	subscriptions := make([]session.Subscription, 0, len(rows))
	for _, row := range rows {
		subscriptions = append(subscriptions, mapSubscription(row))
	}
	return subscriptions, nil
}

func (store *Store) ExpireDueSubscriptions(ctx context.Context, nowUnixUTC int64) ([]string, error) {
	cutoff := time.Unix(nowUnixUTC, 0).UTC()
	var dueIDs []string
	err := store.db.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("status = ? AND expires_at <= ?", string(session.SubscriptionActive), cutoff).
		Pluck("subscription_id", &dueIDs).Error
	if err != nil {
		return nil, err
	}
	expired := make([]string, 0, len(dueIDs))
	for _, subscriptionID := range dueIDs {
		result := store.db.WithContext(ctx).
			Model(&SubscriptionRecord{}).
			Where("subscription_id = ? AND status = ?", subscriptionID, string(session.SubscriptionActive)).
			Updates(map[string]any{"status": string(session.SubscriptionExpired), "updated_at": cutoff})
		if result.Error != nil {
			return expired, result.Error
		}
		if result.RowsAffected > 0 {
			expired = append(expired, subscriptionID)
		}
	}
	return expired, nil
}

func (store *Store) AppendMessage(ctx context.Context, message session.Message) (session.Message, error) {
	var stored MessageRecord
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		// Lock the session row so concurrent appends serialize and the
		// per-session sequence stays gapless and unique.
		var sessionRecord ChatSessionRecord
		err := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", message.SessionID).
			Take(&sessionRecord).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		// Re-verify under the lock: a completion or expiry sweep may have
		// landed after the caller's own status check.
		if sessionRecord.Status != string(session.StatusActive) {
			return session.ErrSessionClosed
		}
		appendInstant := time.Unix(message.CreatedUnixUTC, 0).UTC()
		if message.CreatedUnixUTC == 0 {
			appendInstant = time.Now().UTC()
		}
		if !appendInstant.Before(sessionRecord.ExpiresAt) {
			return session.ErrSessionClosed
		}
		var maxSeq sqlSum
		err = transaction.
			Model(&MessageRecord{}).
			Select("coalesce(max(seq),0) as total").
			Where("session_id = ?", message.SessionID).
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}
		stored = MessageRecord{
			MessageID: message.MessageID,
			SessionID: message.SessionID,
			SenderID:  message.SenderID,
			Seq:       maxSeq.Total + 1,
			Content:   message.Content,
			CreatedAt: appendInstant,
		}
		return transaction.Create(&stored).Error
	})
	if err != nil {
		return session.Message{}, err
	}
	return mapMessage(stored), nil
}

func (store *Store) ListMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]session.Message, error) {
	var rows []MessageRecord
	query := store.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	messages := make([]session.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, mapMessage(row))
	}
	return messages, nil
}

// --- pricing.Store ---

// GetRateSheet returns the mentor's sheet, or a zero sheet when the mentor
// never configured rates; unpriced products fail at quoting, not here.
func (store *Store) GetRateSheet(ctx context.Context, mentorID pricing.MentorID) (pricing.RateSheet, error) {
	var record MentorRateRecord
	err := store.db.WithContext(ctx).Where("mentor_id = ?", mentorID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pricing.RateSheet{MentorID: mentorID}, nil
	}
	if err != nil {
		return pricing.RateSheet{}, err
	}
	return pricing.RateSheet{
		MentorID:      mentorID,
		Quick10Cents:  record.Quick10Cents,
		Quick20Cents:  record.Quick20Cents,
		SubWeekCents:  record.SubWeekCents,
		SubMonthCents: record.SubMonthCents,
	}, nil
}

func (store *Store) PutRateSheet(ctx context.Context, sheet pricing.RateSheet) error {
	record := MentorRateRecord{
		MentorID:      sheet.MentorID.String(),
		Quick10Cents:  sheet.Quick10Cents,
		Quick20Cents:  sheet.Quick20Cents,
		SubWeekCents:  sheet.SubWeekCents,
		SubMonthCents: sheet.SubMonthCents,
		UpdatedAt:     time.Now().UTC(),
	}
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "mentor_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// --- wallet.Store ---

// WalletStore implements wallet.Store over the same connection.
type WalletStore struct {
	db *gorm.DB
}

// WithTx executes fn within a transaction.
func (store *WalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &WalletStore{db: transaction})
	})
}

func (store *WalletStore) GetOrCreateWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	var record WalletRecord
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&record, WalletRecord{UserID: userID.String()}).Error
	if err != nil {
		return wallet.Wallet{}, wrapWalletError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(record)
}

func (store *WalletStore) GetWalletForUpdate(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	var record WalletRecord
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First touch of this wallet; create it, then take the row lock.
		if _, err := store.GetOrCreateWallet(ctx, userID); err != nil {
			return wallet.Wallet{}, err
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&record).Error
	}
	if err != nil {
		return wallet.Wallet{}, wrapWalletError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(record)
}

func (store *WalletStore) SetBalance(ctx context.Context, walletID wallet.WalletID, balanceCents wallet.AmountCents, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&WalletRecord{}).
		Where("wallet_id = ?", walletID.String()).
		Updates(map[string]any{
			"balance_cents": balanceCents.Int64(),
			"updated_at":    time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapWalletError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapWalletError(errorSubjectWallet, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *WalletStore) InsertTransaction(ctx context.Context, input wallet.TransactionInput) error {
	record := WalletTransactionRecord{
		WalletID:    input.WalletID.String(),
		Type:        input.Type.String(),
		AmountCents: input.AmountCents.Int64(),
		Purpose:     input.Purpose.String(),
		ReferenceID: input.ReferenceID.String(),
		Metadata:    datatypes.JSON([]byte(defaultMetadataJSON)),
		CreatedAt:   time.Unix(input.CreatedUnix, 0).UTC(),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err) {
		return wrapWalletError(errorSubjectTx, errorCodeCreate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wrapWalletError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *WalletStore) SumTransactions(ctx context.Context, walletID wallet.WalletID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&WalletTransactionRecord{}).
		Select("coalesce(sum(case when type = 'DEBIT' then -amount_cents else amount_cents end),0) as total").
		Where("wallet_id = ?", walletID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapWalletError(errorSubjectTx, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *WalletStore) SumDebitsForReference(ctx context.Context, walletID wallet.WalletID, referenceID wallet.ReferenceID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&WalletTransactionRecord{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("wallet_id = ? AND reference_id = ? AND type = ?", walletID.String(), referenceID.String(), wallet.TransactionDebit.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapWalletError(errorSubjectTx, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *WalletStore) ListTransactions(ctx context.Context, walletID wallet.WalletID, beforeUnixUTC int64, limit int) ([]wallet.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []WalletTransactionRecord
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at < ?", walletID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapWalletError(errorSubjectTx, errorCodeList, err)
	}
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapWalletTransaction(row)
		if err != nil {
			return nil, wrapWalletError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// --- mapping and helpers ---

type sqlSum struct {
	Total int64
}

func mapWallet(record WalletRecord) (wallet.Wallet, error) {
	walletID, err := wallet.NewWalletID(record.WalletID)
	if err != nil {
		return wallet.Wallet{}, wrapWalletError(errorSubjectWallet, errorCodeInvalid, err)
	}
	userID, err := wallet.NewUserID(record.UserID)
	if err != nil {
		return wallet.Wallet{}, wrapWalletError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet.Wallet{
		WalletID:       walletID,
		UserID:         userID,
		BalanceCents:   wallet.AmountCents(record.BalanceCents),
		UpdatedUnixUTC: record.UpdatedAt.Unix(),
	}, nil
}

func mapWalletTransaction(record WalletTransactionRecord) (wallet.Transaction, error) {
	walletID, err := wallet.NewWalletID(record.WalletID)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(record.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	purpose, err := wallet.ParseTransactionPurpose(record.Purpose)
	if err != nil {
		return wallet.Transaction{}, err
	}
	referenceID, err := wallet.NewReferenceID(record.ReferenceID)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amountCents, err := wallet.NewAmountCents(record.AmountCents)
	if err != nil {
		return wallet.Transaction{}, err
	}
	return wallet.Transaction{
		TransactionID:  record.TransactionID,
		WalletID:       walletID,
		Type:           transactionType,
		AmountCents:    amountCents,
		Purpose:        purpose,
		ReferenceID:    referenceID,
		CreatedUnixUTC: record.CreatedAt.Unix(),
	}, nil
}

func mapChatSession(record ChatSessionRecord) session.ChatSession {
	subscriptionID := ""
	if record.SubscriptionID != nil {
		subscriptionID = *record.SubscriptionID
	}
	return session.ChatSession{
		SessionID:       record.SessionID,
		UserID:          record.UserID,
		MentorID:        record.MentorID,
		Type:            session.SessionType(record.Type),
		SubscriptionID:  subscriptionID,
		DurationMinutes: record.DurationMinutes,
		AmountPaidCents: record.AmountPaidCents,
		Status:          session.SessionStatus(record.Status),
		StartedUnixUTC:  record.StartedAt.Unix(),
		ExpiresUnixUTC:  record.ExpiresAt.Unix(),
	}
}

func mapSubscription(record SubscriptionRecord) session.Subscription {
	return session.Subscription{
		SubscriptionID:  record.SubscriptionID,
		UserID:          record.UserID,
		MentorID:        record.MentorID,
		Package:         session.PackageType(record.Package),
		AmountPaidCents: record.AmountPaidCents,
		Status:          session.SubscriptionStatus(record.Status),
		StartedUnixUTC:  record.StartedAt.Unix(),
		ExpiresUnixUTC:  record.ExpiresAt.Unix(),
	}
}

func mapMessage(record MessageRecord) session.Message {
	return session.Message{
		MessageID:      record.MessageID,
		SessionID:      record.SessionID,
		SenderID:       record.SenderID,
		Seq:            record.Seq,
		Content:        record.Content,
		CreatedUnixUTC: record.CreatedAt.Unix(),
	}
}

func wrapWalletError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
