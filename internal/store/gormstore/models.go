package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table: one authoritative balance row per user.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table.
type Transaction struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_transactions_user_created,priority:1;index:uniq_transaction_idem,unique,priority:1"`
	Action         string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Description    string         `gorm:""`
	References     datatypes.JSON `gorm:"type:jsonb"`
	BalanceAfter   int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;index:uniq_transaction_idem,unique,priority:2"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// Reward mirrors the rewards table.
type Reward struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Type       string    `gorm:"not null"`
	Value      int64     `gorm:"not null"`
	Status     string    `gorm:"not null;index:idx_rewards_status_expires,priority:1"`
	GrantedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index:idx_rewards_status_expires,priority:2"`
	ConsumedAt *time.Time
}

func (Reward) TableName() string { return "rewards" }

func (reward *Reward) BeforeCreate(tx *gorm.DB) error {
	if reward.ID == "" {
		reward.ID = uuid.NewString()
	}
	return nil
}
