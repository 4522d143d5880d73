package models

import (
	"encoding/json"
	"fmt"
)

// OwnerType names the table a receipt's owner lives in.
type OwnerType string

const (
	OwnerAttendee           OwnerType = "Attendee"
	OwnerGroup              OwnerType = "Group"
	OwnerArtShowApplication OwnerType = "ArtShowApplication"
)

// OwnerTypes lists every owner type a receipt can point at.
var OwnerTypes = []OwnerType{OwnerAttendee, OwnerGroup, OwnerArtShowApplication}

func ParseOwnerType(s string) (OwnerType, error) {
	for _, t := range OwnerTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown owner type %q", s)
}

// OwnerRef is the weak (owner_id, owner_type) reference stored on receipts.
type OwnerRef struct {
	ID   string    `json:"owner_id"`
	Type OwnerType `json:"owner_type"`
}

func (r OwnerRef) String() string {
	return string(r.Type) + ":" + r.ID
}

type PaidStatus string

const (
	PaidNotPaid    PaidStatus = "not_paid"
	PaidPending    PaidStatus = "pending"
	PaidHasPaid    PaidStatus = "has_paid"
	PaidNeedNotPay PaidStatus = "need_not_pay"
	PaidByGroup    PaidStatus = "paid_by_group"
	PaidRefunded   PaidStatus = "refunded"
)

// UnpaidStatuses are the statuses a confirmed payment may flip to PaidHasPaid.
var UnpaidStatuses = []PaidStatus{PaidNotPaid, PaidPending}

func (s PaidStatus) IsComp() bool {
	return s == PaidNeedNotPay || s == PaidByGroup
}

func (s PaidStatus) IsUnpaid() bool {
	for _, u := range UnpaidStatuses {
		if s == u {
			return true
		}
	}
	return false
}

// Field names a priced attribute of an owner. Values match the JSON keys.
type Field string

// FieldChange records the value a field held before an edit, so the edit can be undone.
type FieldChange struct {
	Field Field           `json:"field"`
	Value json.RawMessage `json:"value"`
}

// Owner is a registration entity whose balance a receipt tracks.
type Owner interface {
	Ref() OwnerRef
	PaidStatus() PaidStatus
	ContactEmail() string
	Clone() Owner
	// FieldValue returns the current value of a priced field.
	FieldValue(f Field) (any, bool)
	// SetField decodes raw into the named field.
	SetField(f Field, raw json.RawMessage) error
}

// NewOwner returns an empty owner of the given type, suitable for gorm lookups.
func NewOwner(t OwnerType) (Owner, error) {
	switch t {
	case OwnerAttendee:
		return &Attendee{}, nil
	case OwnerGroup:
		return &Group{}, nil
	case OwnerArtShowApplication:
		return &ArtShowApplication{}, nil
	}
	return nil, fmt.Errorf("unknown owner type %q", t)
}

// CopyField copies one field from src into dst. Both owners must share a type.
func CopyField(dst, src Owner, f Field) error {
	v, ok := src.FieldValue(f)
	if !ok {
		return fmt.Errorf("%s has no field %q", src.Ref().Type, f)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dst.SetField(f, raw)
}

// CaptureFields records the current value of each field.
func CaptureFields(o Owner, fields ...Field) []FieldChange {
	changes := make([]FieldChange, 0, len(fields))
	for _, f := range fields {
		v, ok := o.FieldValue(f)
		if !ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		changes = append(changes, FieldChange{Field: f, Value: raw})
	}
	return changes
}

// ApplyChanges writes every recorded value back onto the owner.
func ApplyChanges(o Owner, changes []FieldChange) error {
	for _, ch := range changes {
		if err := o.SetField(ch.Field, ch.Value); err != nil {
			return fmt.Errorf("apply %s: %w", ch.Field, err)
		}
	}
	return nil
}

func decodeInto(f Field, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: invalid value for %s: %v", ErrInvalidOwner, f, err)
	}
	return nil
}
