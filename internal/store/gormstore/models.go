package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table: one row per user.
type CreditBalance struct {
	UserID    string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	Lifetime  int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the credit_transactions table (append-only).
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	Amount        int64          `gorm:"not null"`
	Type          string         `gorm:"not null"`
	Description   string         `gorm:"not null"`
	DedupeKey     *string        `gorm:"index:uniq_credit_tx_dedupe,unique"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
