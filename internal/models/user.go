package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User owns the wallet balance. Balance is written only by the ledger.
type User struct {
	ID       int    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string `gorm:"column:username;size:100;not null;uniqueIndex" json:"username"`
	Email    string `gorm:"column:email;size:255;uniqueIndex" json:"email"`
	// AccountNumber is the dedicated virtual account that receives top-ups.
	AccountNumber *string         `gorm:"column:account_number;size:20;uniqueIndex" json:"account_number,omitempty"`
	Balance       decimal.Decimal `gorm:"column:balance;type:decimal(20,2);not null;default:0" json:"balance"`
	Currency      string          `gorm:"column:currency;size:10;not null;default:NGN" json:"currency"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
