package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WalletRecord represents the wallets table. The balance column is
// denormalized from wallet_transactions and only moves together with a
// transaction row inside one database transaction.
type WalletRecord struct {
	WalletID     string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:uniq_wallet_user"`
	BalanceCents int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (WalletRecord) TableName() string { return "wallets" }

func (record *WalletRecord) BeforeCreate(tx *gorm.DB) error {
	if record.WalletID == "" {
		record.WalletID = uuid.NewString()
	}
	return nil
}

// WalletTransactionRecord mirrors the wallet_transactions table. The unique
// index over (wallet_id, type, purpose, reference_id) is the schema backstop
// for at-most-once debits per reference.
type WalletTransactionRecord struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	WalletID      string         `gorm:"type:uuid;not null;index:idx_wallet_tx_created,priority:1;uniqueIndex:uniq_wallet_tx_reference,priority:1"`
	Type          string         `gorm:"not null;uniqueIndex:uniq_wallet_tx_reference,priority:2"`
	AmountCents   int64          `gorm:"not null"`
	Purpose       string         `gorm:"not null;uniqueIndex:uniq_wallet_tx_reference,priority:3"`
	ReferenceID   string         `gorm:"not null;uniqueIndex:uniq_wallet_tx_reference,priority:4"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_wallet_tx_created,priority:2"`
}

func (WalletTransactionRecord) TableName() string { return "wallet_transactions" }

func (record *WalletTransactionRecord) BeforeCreate(tx *gorm.DB) error {
	if record.TransactionID == "" {
		record.TransactionID = uuid.NewString()
	}
	return nil
}

// ChatSessionRecord mirrors the chat_sessions table. The primary key is the
// caller-reserved session id, never generated here, so a retried create of
// the same id collides instead of forking a second session.
type ChatSessionRecord struct {
	SessionID       string     `gorm:"type:uuid;primaryKey"`
	UserID          string     `gorm:"not null;index"`
	MentorID        string     `gorm:"not null;index"`
	Type            string     `gorm:"not null"`
	SubscriptionID  *string    `gorm:"type:uuid"`
	DurationMinutes int        `gorm:"not null;default:0"`
	AmountPaidCents int64      `gorm:"not null;default:0"`
	Status          string     `gorm:"not null;index:idx_chat_sessions_due,priority:1"`
	StartedAt       time.Time  `gorm:"not null"`
	ExpiresAt       time.Time  `gorm:"not null;index:idx_chat_sessions_due,priority:2"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (ChatSessionRecord) TableName() string { return "chat_sessions" }

// SubscriptionRecord mirrors the subscriptions table.
type SubscriptionRecord struct {
	SubscriptionID  string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"not null;index"`
	MentorID        string    `gorm:"not null"`
	Package         string    `gorm:"not null"`
	AmountPaidCents int64     `gorm:"not null"`
	Status          string    `gorm:"not null;index:idx_subscriptions_due,priority:1"`
	StartedAt       time.Time `gorm:"not null"`
	ExpiresAt       time.Time `gorm:"not null;index:idx_subscriptions_due,priority:2"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (SubscriptionRecord) TableName() string { return "subscriptions" }

// MessageRecord mirrors the messages table. Seq is assigned under the
// session row lock and the unique index makes gaps fail loudly.
type MessageRecord struct {
	MessageID string    `gorm:"type:uuid;primaryKey"`
	SessionID string    `gorm:"type:uuid;not null;uniqueIndex:uniq_messages_session_seq,priority:1"`
	SenderID  string    `gorm:"not null"`
	Seq       int64     `gorm:"not null;uniqueIndex:uniq_messages_session_seq,priority:2"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (MessageRecord) TableName() string { return "messages" }

func (record *MessageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.MessageID == "" {
		record.MessageID = uuid.NewString()
	}
	return nil
}

// MentorRateRecord mirrors the mentor_rates table. A zero rate means the
// mentor does not offer that product.
type MentorRateRecord struct {
	MentorID      string    `gorm:"primaryKey"`
	Quick10Cents  int64     `gorm:"not null;default:0"`
	Quick20Cents  int64     `gorm:"not null;default:0"`
	SubWeekCents  int64     `gorm:"not null;default:0"`
	SubMonthCents int64     `gorm:"not null;default:0"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (MentorRateRecord) TableName() string { return "mentor_rates" }

// Models lists every table for schema preparation on sqlite deployments.
func Models() []any {
	return []any{
		&WalletRecord{},
		&WalletTransactionRecord{},
		&ChatSessionRecord{},
		&SubscriptionRecord{},
		&MessageRecord{},
		&MentorRateRecord{},
	}
}
