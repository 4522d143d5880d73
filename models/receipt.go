package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Receipt is the ledger aggregate for one owner. OwnerID/OwnerType form a weak
// reference since owners live in several unrelated tables.
type Receipt struct {
	ID           string               `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID      string               `gorm:"type:varchar(36);not null;index:idx_receipts_owner" json:"owner_id"`
	OwnerType    OwnerType            `gorm:"type:varchar(50);not null;index:idx_receipts_owner" json:"owner_type"`
	ClosedAt     *time.Time           `json:"closed_at"`
	Items        []ReceiptItem        `gorm:"foreignKey:ReceiptID" json:"items,omitempty"`
	Transactions []ReceiptTransaction `gorm:"foreignKey:ReceiptID" json:"transactions,omitempty"`
	CreatedAt    time.Time            `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time            `gorm:"not null" json:"updated_at"`
}

func (r *Receipt) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

func (r *Receipt) Owner() OwnerRef {
	return OwnerRef{ID: r.OwnerID, Type: r.OwnerType}
}

func (r *Receipt) IsOpen() bool {
	return r.ClosedAt == nil
}

// The totals below expect Items and Transactions to be preloaded.

func (r *Receipt) OpenItems() []ReceiptItem {
	open := make([]ReceiptItem, 0, len(r.Items))
	for _, item := range r.Items {
		if item.ClosedAt == nil {
			open = append(open, item)
		}
	}
	return open
}

// CurrentAmountOwed sums amount*count over open items.
func (r *Receipt) CurrentAmountOwed() int64 {
	var total int64
	for _, item := range r.OpenItems() {
		total += item.Total()
	}
	return total
}

func (r *Receipt) ItemTotal() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Total()
	}
	return total
}

func (r *Receipt) ClosedItemTotal() int64 {
	var total int64
	for _, item := range r.Items {
		if item.ClosedAt != nil {
			total += item.Total()
		}
	}
	return total
}

// PaymentTotal sums confirmed, uncancelled payments.
func (r *Receipt) PaymentTotal() int64 {
	var total int64
	for _, txn := range r.Transactions {
		if txn.IsPayment() && txn.IsConfirmed() && txn.CancelledAt == nil {
			total += txn.AmountCents
		}
	}
	return total
}

func (r *Receipt) RefundTotal() int64 {
	var total int64
	for _, txn := range r.Transactions {
		if txn.AmountCents < 0 && txn.CancelledAt == nil {
			total -= txn.AmountCents
		}
	}
	return total
}

// PendingTotal sums gateway payments still waiting on a confirmation.
func (r *Receipt) PendingTotal() int64 {
	var total int64
	for _, txn := range r.Transactions {
		if txn.IsPayment() && !txn.IsConfirmed() && txn.CancelledAt == nil {
			total += txn.AmountCents
		}
	}
	return total
}

func (r *Receipt) TxnTotal() int64 {
	return r.PaymentTotal() - r.RefundTotal()
}

// ReceiptItem is one charge (positive) or credit (negative) line.
type ReceiptItem struct {
	ID                   string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReceiptID            string         `gorm:"type:varchar(36);not null;index" json:"receipt_id"`
	ReceiptTransactionID *string        `gorm:"type:varchar(36);index" json:"receipt_transaction_id"`
	Description          string         `gorm:"type:varchar(255);not null" json:"description"`
	AmountCents          int64          `gorm:"not null" json:"amount_cents"`
	Count                int            `gorm:"not null" json:"count"`
	CreatedBy            string         `gorm:"type:varchar(255)" json:"created_by"`
	RevertSnapshot       datatypes.JSON `json:"revert_snapshot,omitempty"`
	Reverted             bool           `gorm:"not null" json:"reverted"`
	Comped               bool           `gorm:"not null" json:"comped"`
	ClosedAt             *time.Time     `gorm:"index" json:"closed_at"`
	CreatedAt            time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null" json:"updated_at"`
}

func (i *ReceiptItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if i.Count == 0 {
		i.Count = 1
	}
	return nil
}

func (i ReceiptItem) Total() int64 {
	return i.AmountCents * int64(i.Count)
}

func (i *ReceiptItem) SetRevertChanges(changes []FieldChange) error {
	if len(changes) == 0 {
		i.RevertSnapshot = nil
		return nil
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return err
	}
	i.RevertSnapshot = datatypes.JSON(raw)
	return nil
}

func (i *ReceiptItem) RevertChanges() ([]FieldChange, error) {
	if len(i.RevertSnapshot) == 0 {
		return nil, nil
	}
	var changes []FieldChange
	if err := json.Unmarshal(i.RevertSnapshot, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}
