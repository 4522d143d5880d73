package models

import (
	"time"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notification is an alert raised for staff, e.g. a gateway failure that
// needs a human to reconcile it.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Severity  string    `gorm:"type:varchar(20);not null" json:"severity"`
	Title     string    `gorm:"type:varchar(100);not null" json:"title"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	ReceiptID *string   `gorm:"type:varchar(36);index" json:"receipt_id"`
	Resolved  bool      `gorm:"not null" json:"resolved"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
