package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OperationKind string

const (
	OperationRefund OperationKind = "refund"
	OperationVoid   OperationKind = "void"
)

type OperationStatus string

const (
	// OperationStarted is committed before the gateway call.
	OperationStarted OperationStatus = "STARTED"
	// OperationGatewayOK means the gateway accepted the call but the ledger
	// write has not been committed yet.
	OperationGatewayOK OperationStatus = "GATEWAY_OK"
	OperationSucceeded OperationStatus = "SUCCEEDED"
	OperationFailed    OperationStatus = "FAILED"
	// OperationNeedsReview marks a STARTED row whose gateway outcome is unknown.
	OperationNeedsReview OperationStatus = "NEEDS_REVIEW"
)

// GatewayOperation journals a refund or void so a crash between the gateway
// call and the local commit can be finished later.
type GatewayOperation struct {
	ID            string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	TrackingID    string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"tracking_id"`
	Kind          OperationKind   `gorm:"type:varchar(16);not null" json:"kind"`
	Status        OperationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ReceiptID     string          `gorm:"type:varchar(36);not null;index" json:"receipt_id"`
	TransactionID string          `gorm:"type:varchar(36);not null;index" json:"transaction_id"`
	AmountCents   int64           `gorm:"not null" json:"amount_cents"`
	Description   string          `gorm:"type:varchar(255)" json:"description"`
	Who           string          `gorm:"type:varchar(255)" json:"who"`
	GatewayRef    string          `gorm:"type:varchar(255)" json:"gateway_ref"`
	LastError     string          `gorm:"type:text" json:"last_error"`
	Attempts      int             `gorm:"not null" json:"attempts"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null;index" json:"updated_at"`
}

func (op *GatewayOperation) BeforeCreate(tx *gorm.DB) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	return nil
}
