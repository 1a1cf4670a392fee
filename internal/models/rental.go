package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RentalStatus string

const (
	RentalActive    RentalStatus = "active"
	RentalCompleted RentalStatus = "completed"
	RentalCancelled RentalStatus = "cancelled"
	RentalExpired   RentalStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s RentalStatus) Terminal() bool {
	return s == RentalCompleted || s == RentalCancelled || s == RentalExpired
}

// Rental is one leased virtual number.
type Rental struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	Provider        string          `gorm:"column:provider;size:50;not null;index:idx_rental_provider_ext" json:"provider"`
	ExternalId      string          `gorm:"column:external_id;size:191;not null;index:idx_rental_provider_ext" json:"external_id"`
	PhoneNumber     string          `gorm:"column:phone_number;size:50;not null" json:"phone_number"`
	UserId          int             `gorm:"column:user_id;not null;index:idx_rental_user_status" json:"user_id"`
	ServiceId       string          `gorm:"column:service_id;size:100;not null" json:"service_id"`
	ServiceName     string          `gorm:"column:service_name;size:255" json:"service_name"`
	Country         string          `gorm:"column:country;size:20" json:"country"`
	Price           decimal.Decimal `gorm:"column:price;type:decimal(20,2);not null" json:"price"`
	Status          RentalStatus    `gorm:"column:status;size:20;not null;index:idx_rental_user_status;index:idx_rental_status_expiry" json:"status"`
	Code            *string         `gorm:"column:code;size:50" json:"code"`
	FullSMS         *string         `gorm:"column:full_sms;type:text" json:"full_sms"`
	DebitReference  string          `gorm:"column:debit_reference;size:191;not null" json:"-"`
	RefundReference *string         `gorm:"column:refund_reference;size:191" json:"-"`
	ExpiresAt       time.Time       `gorm:"column:expires_at;not null;index:idx_rental_status_expiry" json:"expires_at"`
	CompletedAt     *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Rental) TableName() string {
	return "rentals"
}
