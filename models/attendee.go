package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	FieldOverriddenPrice Field = "overridden_price"
	FieldBadgeType       Field = "badge_type"
	FieldPaid            Field = "paid"
	FieldAgeGroup        Field = "age_group"
	FieldExtraDonation   Field = "extra_donation"
	FieldAmountExtra     Field = "amount_extra"
)

const (
	BadgeAttendee  = "attendee"
	BadgeSupporter = "supporter"
	BadgeOneDay    = "one_day"
	BadgeStaff     = "staff"
	BadgeGuest     = "guest"
)

const (
	AgeGroupAdult   = "adult"
	AgeGroupUnder13 = "under_13"
	AgeGroupUnder6  = "under_6"
)

type Attendee struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	FirstName       string     `gorm:"type:varchar(100)" json:"first_name"`
	LastName        string     `gorm:"type:varchar(100)" json:"last_name"`
	Email           string     `gorm:"type:varchar(255);index" json:"email"`
	BadgeType       string     `gorm:"type:varchar(50);not null" json:"badge_type"`
	AgeGroup        string     `gorm:"type:varchar(50)" json:"age_group"`
	OverriddenPrice *int64     `json:"overridden_price"`
	ExtraDonation   int64      `gorm:"not null" json:"extra_donation"`
	AmountExtra     int64      `gorm:"not null" json:"amount_extra"`
	Paid            PaidStatus `gorm:"type:varchar(32);not null;index" json:"paid"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (a *Attendee) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Paid == "" {
		a.Paid = PaidNotPaid
	}
	return nil
}

func (a *Attendee) FullName() string {
	return a.FirstName + " " + a.LastName
}

func (a *Attendee) Ref() OwnerRef          { return OwnerRef{ID: a.ID, Type: OwnerAttendee} }
func (a *Attendee) PaidStatus() PaidStatus { return a.Paid }
func (a *Attendee) ContactEmail() string   { return a.Email }

func (a *Attendee) Clone() Owner {
	c := *a
	if a.OverriddenPrice != nil {
		p := *a.OverriddenPrice
		c.OverriddenPrice = &p
	}
	return &c
}

func (a *Attendee) FieldValue(f Field) (any, bool) {
	switch f {
	case FieldOverriddenPrice:
		return a.OverriddenPrice, true
	case FieldBadgeType:
		return a.BadgeType, true
	case FieldPaid:
		return a.Paid, true
	case FieldAgeGroup:
		return a.AgeGroup, true
	case FieldExtraDonation:
		return a.ExtraDonation, true
	case FieldAmountExtra:
		return a.AmountExtra, true
	}
	return nil, false
}

func (a *Attendee) SetField(f Field, raw json.RawMessage) error {
	switch f {
	case FieldOverriddenPrice:
		var v *int64
		if err := decodeInto(f, raw, &v); err != nil {
			return err
		}
		a.OverriddenPrice = v
	case FieldBadgeType:
		return decodeInto(f, raw, &a.BadgeType)
	case FieldPaid:
		return decodeInto(f, raw, &a.Paid)
	case FieldAgeGroup:
		return decodeInto(f, raw, &a.AgeGroup)
	case FieldExtraDonation:
		return decodeInto(f, raw, &a.ExtraDonation)
	case FieldAmountExtra:
		return decodeInto(f, raw, &a.AmountExtra)
	default:
		return errUnknownField(OwnerAttendee, f)
	}
	return nil
}
