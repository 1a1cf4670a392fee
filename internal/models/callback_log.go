package models

import (
	"time"

	"gorm.io/datatypes"
)

type CallbackStatus string

const (
	CallbackRejected  CallbackStatus = "rejected"
	CallbackProcessed CallbackStatus = "processed"
	CallbackDuplicate CallbackStatus = "duplicate"
	CallbackIgnored   CallbackStatus = "ignored"
	CallbackFailed    CallbackStatus = "failed"
)

// CallbackLog records every inbound webhook, including rejected ones.
type CallbackLog struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider       string         `gorm:"column:provider;size:50;not null" json:"provider"`
	Reference      string         `gorm:"column:reference;size:191;index" json:"reference"`
	Event          string         `gorm:"column:event;size:100" json:"event"`
	Request        string         `gorm:"column:request;type:text" json:"request"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Response       string         `gorm:"column:response;type:text" json:"response"`
	Status         CallbackStatus `gorm:"column:status;size:20;not null" json:"status"`
	SignatureValid bool           `gorm:"column:signature_valid;default:false" json:"signature_valid"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (CallbackLog) TableName() string {
	return "callback_logs"
}

// ArchivedCallbackLog holds callback logs moved out of the hot table.
type ArchivedCallbackLog struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Provider       string         `gorm:"column:provider;size:50;not null" json:"provider"`
	Reference      string         `gorm:"column:reference;size:191;index" json:"reference"`
	Event          string         `gorm:"column:event;size:100" json:"event"`
	Request        string         `gorm:"column:request;type:text" json:"request"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Response       string         `gorm:"column:response;type:text" json:"response"`
	Status         CallbackStatus `gorm:"column:status;size:20;not null" json:"status"`
	SignatureValid bool           `gorm:"column:signature_valid;default:false" json:"signature_valid"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"created_at"`
	ArchivedAt     time.Time      `gorm:"column:archived_at;autoCreateTime" json:"archived_at"`
}

func (ArchivedCallbackLog) TableName() string {
	return "callback_log_archives"
}
