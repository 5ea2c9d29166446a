package wallet

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is an integer currency amount in the smallest unit.
type AmountCents int64

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// WalletID identifies a wallet record.
type WalletID struct {
	value string
}

// ReferenceID ties a transaction to the session, subscription, or payment
// that caused it.
type ReferenceID struct {
	value string
}

// TransactionType enumerates the two ledger directions.
type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionCredit, TransactionDebit:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// TransactionPurpose records why funds moved.
type TransactionPurpose string

const (
	PurposeRecharge     TransactionPurpose = "RECHARGE"
	PurposeChatSession  TransactionPurpose = "CHAT_SESSION"
	PurposeSubscription TransactionPurpose = "SUBSCRIPTION"
)

// String returns the stored representation.
func (purpose TransactionPurpose) String() string {
	return string(purpose)
}

// ParseTransactionPurpose validates a stored purpose.
func ParseTransactionPurpose(raw string) (TransactionPurpose, error) {
	switch TransactionPurpose(raw) {
	case PurposeRecharge, PurposeChatSession, PurposeSubscription:
		return TransactionPurpose(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionPurpose, raw)
	}
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReferenceID) String() string {
	return id.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
// Transaction amounts are stored as positive magnitudes; direction lives in
// the transaction type.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Wallet is the denormalized balance view of one owner's ledger.
type Wallet struct {
	WalletID       WalletID
	UserID         UserID
	BalanceCents   AmountCents
	UpdatedUnixUTC int64
}

// A single immutable line in the wallet ledger.
type Transaction struct {
	TransactionID  string
	WalletID       WalletID
	Type           TransactionType
	AmountCents    AmountCents
	Purpose        TransactionPurpose
	ReferenceID    ReferenceID
	CreatedUnixUTC int64
}

// SignedAmountCents returns the amount with the ledger sign applied:
// credits positive, debits negative.
func (transaction Transaction) SignedAmountCents() int64 {
	if transaction.Type == TransactionDebit {
		return -transaction.AmountCents.Int64()
	}
	return transaction.AmountCents.Int64()
}

// TransactionInput describes a transaction to append.
type TransactionInput struct {
	WalletID    WalletID
	Type        TransactionType
	AmountCents AmountCents
	Purpose     TransactionPurpose
	ReferenceID ReferenceID
	CreatedUnix int64
}

// Store is the persistence contract used by Service.
//
// GetWalletForUpdate must lock the wallet row for the duration of the
// surrounding transaction; the balance check, the balance write, and the
// transaction append all happen against that locked row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error)
	GetWalletForUpdate(ctx context.Context, userID UserID) (Wallet, error)
	SetBalance(ctx context.Context, walletID WalletID, balanceCents AmountCents, updatedUnixUTC int64) error
	InsertTransaction(ctx context.Context, input TransactionInput) error
	SumTransactions(ctx context.Context, walletID WalletID) (int64, error)
	SumDebitsForReference(ctx context.Context, walletID WalletID, referenceID ReferenceID) (int64, error)
	ListTransactions(ctx context.Context, walletID WalletID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
