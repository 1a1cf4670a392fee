package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionSuccessful TransactionStatus = "successful"
	TransactionFailed     TransactionStatus = "failed"
)

type TransactionType string

const (
	TransactionDeposit      TransactionType = "deposit"
	TransactionRentalDebit  TransactionType = "rental_debit"
	TransactionRentalRefund TransactionType = "rental_refund"
	TransactionAdjustment   TransactionType = "adjustment"
)

// Transaction is one ledger entry. Amount is signed: credits are positive,
// debits negative. Reference is the idempotency key.
type Transaction struct {
	ID           int               `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference    string            `gorm:"column:reference;size:191;not null;uniqueIndex" json:"reference"`
	UserId       int               `gorm:"column:user_id;not null;index:idx_trx_user_created" json:"user_id"`
	Amount       decimal.Decimal   `gorm:"column:amount;type:decimal(20,2);not null" json:"amount"`
	Type         TransactionType   `gorm:"column:type;size:50;not null;index" json:"type"`
	Status       TransactionStatus `gorm:"column:status;size:20;not null;default:pending" json:"status"`
	BalanceAfter decimal.Decimal   `gorm:"column:balance_after;type:decimal(20,2);not null;default:0" json:"balance_after"`
	Description  string            `gorm:"column:description;type:text" json:"description"`
	Metadata     datatypes.JSON    `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_trx_user_created" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
