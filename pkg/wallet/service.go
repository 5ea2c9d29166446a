package wallet

import (
	"context"
	"fmt"
	"time"
)

// Service contains the ledger domain logic over a Store.
//
// Every balance mutation runs inside one store transaction with the wallet
// row locked, so two concurrent debits can never observe the same pre-debit
// balance. The denormalized balance column and the append-only transaction
// log move together or not at all.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current spendable balance, creating the wallet at
// zero on first use.
func (service *Service) Balance(ctx context.Context, userID UserID) (AmountCents, error) {
	record, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return record.BalanceCents, nil
}

// Credit appends a CREDIT transaction and raises the balance.
func (service *Service) Credit(ctx context.Context, userID UserID, amount AmountCents, purpose TransactionPurpose, referenceID ReferenceID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.InsertTransaction(ctx, TransactionInput{
			WalletID:    record.WalletID,
			Type:        TransactionCredit,
			AmountCents: amount,
			Purpose:     purpose,
			ReferenceID: referenceID,
			CreatedUnix: nowUnixUTC,
		}); err != nil {
			return err
		}
		newBalance := AmountCents(record.BalanceCents.Int64() + amount.Int64())
		return transactionStore.SetBalance(ctx, record.WalletID, newBalance, nowUnixUTC)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		UserID:      userID,
		Amount:      amount,
		Purpose:     purpose,
		ReferenceID: referenceID,
		Error:       operationError,
	})
	return operationError
}

// Debit appends a DEBIT transaction and lowers the balance.
//
// Fails with ErrInsufficientFunds when the locked balance does not cover the
// amount, and with ErrDuplicateReference when a debit for the same purpose
// and reference was already applied; the latter is what makes retries with a
// reserved reference id safe.
func (service *Service) Debit(ctx context.Context, userID UserID, amount AmountCents, purpose TransactionPurpose, referenceID ReferenceID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.debitInTx(ctx, transactionStore, userID, amount, purpose, referenceID)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		UserID:      userID,
		Amount:      amount,
		Purpose:     purpose,
		ReferenceID: referenceID,
		Error:       operationError,
	})
	return operationError
}

// DebitInTx runs the debit against an already-open store transaction so a
// caller can bundle the debit with its own writes into one atomic unit.
func (service *Service) DebitInTx(ctx context.Context, transactionStore Store, userID UserID, amount AmountCents, purpose TransactionPurpose, referenceID ReferenceID) error {
	return service.debitInTx(ctx, transactionStore, userID, amount, purpose, referenceID)
}

func (service *Service) debitInTx(ctx context.Context, transactionStore Store, userID UserID, amount AmountCents, purpose TransactionPurpose, referenceID ReferenceID) error {
	record, err := transactionStore.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	alreadyDebited, err := transactionStore.SumDebitsForReference(ctx, record.WalletID, referenceID)
	if err != nil {
		return err
	}
	if alreadyDebited > 0 {
		// A prior attempt with this reference already charged the wallet.
		// The unique index on (wallet, purpose, reference) backs this check
		// at the schema level; detecting it here keeps the surrounding
		// transaction usable.
		return ErrDuplicateReference
	}
	if record.BalanceCents.Int64() < amount.Int64() {
		return ErrInsufficientFunds
	}
	nowUnixUTC := service.nowFn()
	if err := transactionStore.InsertTransaction(ctx, TransactionInput{
		WalletID:    record.WalletID,
		Type:        TransactionDebit,
		AmountCents: amount,
		Purpose:     purpose,
		ReferenceID: referenceID,
		CreatedUnix: nowUnixUTC,
	}); err != nil {
		return err
	}
	newBalance := AmountCents(record.BalanceCents.Int64() - amount.Int64())
	return transactionStore.SetBalance(ctx, record.WalletID, newBalance, nowUnixUTC)
}

// ListTransactions lists transactions newest first, restartable via the
// beforeUnixUTC cursor; a zero cursor means "from now".
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	record, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListTransactions(ctx, record.WalletID, beforeUnixUTC, limit)
}

// Audit recomputes the balance from the transaction log and compares it to
// the denormalized column. A mismatch means the conservation invariant was
// broken somewhere and is reported as ErrBalanceDiverged.
func (service *Service) Audit(ctx context.Context, userID UserID) (AmountCents, error) {
	record, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	signedSum, err := service.store.SumTransactions(ctx, record.WalletID)
	if err != nil {
		return 0, err
	}
	if signedSum != record.BalanceCents.Int64() {
		return 0, fmt.Errorf("%w: log sum %d, balance %d", ErrBalanceDiverged, signedSum, record.BalanceCents.Int64())
	}
	return record.BalanceCents, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
