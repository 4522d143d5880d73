package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	FieldTables     Field = "tables"
	FieldBadges     Field = "badges"
	FieldPower      Field = "power"
	FieldPowerFee   Field = "power_fee"
	FieldAutoRecalc Field = "auto_recalc"
	FieldCost       Field = "cost"
)

// Group buys a block of badges (and, for dealers, tables and power) as one registration.
type Group struct {
	ID         string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name       string       `gorm:"type:varchar(255);not null" json:"name"`
	Email      string       `gorm:"type:varchar(255)" json:"email"`
	Tables     int          `gorm:"not null" json:"tables"`
	Badges     int          `gorm:"not null" json:"badges"`
	Power      int          `gorm:"not null" json:"power"`
	PowerFee   int64        `gorm:"not null" json:"power_fee"`
	AutoRecalc bool         `gorm:"not null" json:"auto_recalc"`
	Cost       int64        `gorm:"not null" json:"cost"`
	Paid       PaidStatus   `gorm:"type:varchar(32);not null;index" json:"paid"`
	BadgeItems []GroupBadge `gorm:"foreignKey:GroupID" json:"badge_items,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// GroupBadge is one badge slot bought by a group, at the price it was bought for.
type GroupBadge struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	GroupID    string    `gorm:"type:varchar(36);not null;index" json:"group_id"`
	PriceCents int64     `gorm:"not null" json:"price_cents"`
	AttendeeID *string   `gorm:"type:varchar(36)" json:"attendee_id"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	// ErrAssignedBadges is returned when a group tries to drop badges already handed out.
	ErrAssignedBadges = errors.New("cannot remove badges that are already assigned")
	ErrInvalidOwner   = errors.New("invalid owner")
)

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Paid == "" {
		g.Paid = PaidNotPaid
	}
	return nil
}

func (g *Group) Ref() OwnerRef          { return OwnerRef{ID: g.ID, Type: OwnerGroup} }
func (g *Group) PaidStatus() PaidStatus { return g.Paid }
func (g *Group) ContactEmail() string   { return g.Email }

func (g *Group) Clone() Owner {
	c := *g
	c.BadgeItems = append([]GroupBadge(nil), g.BadgeItems...)
	return &c
}

// Floating returns the unassigned badges, most expensive first.
func (g *Group) Floating() []GroupBadge {
	floating := make([]GroupBadge, 0, len(g.BadgeItems))
	for _, b := range g.BadgeItems {
		if b.AttendeeID == nil {
			floating = append(floating, b)
		}
	}
	sort.SliceStable(floating, func(i, j int) bool {
		return floating[i].PriceCents > floating[j].PriceCents
	})
	return floating
}

func (g *Group) AssignedCount() int {
	return len(g.BadgeItems) - len(g.Floating())
}

// BadgePrices returns the unit price of every badge the group holds once its
// badge count is reconciled against BadgeItems: extra slots cost newPrice,
// and removed slots are taken from the most expensive floating badges.
func (g *Group) BadgePrices(newPrice int64) []int64 {
	prices := make([]int64, 0, g.Badges)
	if g.Badges >= len(g.BadgeItems) {
		for _, b := range g.BadgeItems {
			prices = append(prices, b.PriceCents)
		}
		for i := len(g.BadgeItems); i < g.Badges; i++ {
			prices = append(prices, newPrice)
		}
		return prices
	}

	drop := len(g.BadgeItems) - g.Badges
	dropped := make(map[uint]bool, drop)
	for _, b := range g.Floating() {
		if len(dropped) == drop {
			break
		}
		dropped[b.ID] = true
	}
	for _, b := range g.BadgeItems {
		if !dropped[b.ID] {
			prices = append(prices, b.PriceCents)
		}
	}
	return prices
}

func (g *Group) Validate() error {
	if g.Badges < 0 || g.Tables < 0 || g.Power < 0 {
		return fmt.Errorf("%w: counts cannot be negative", ErrInvalidOwner)
	}
	if g.Badges < g.AssignedCount() {
		return fmt.Errorf("%w: %d assigned", ErrAssignedBadges, g.AssignedCount())
	}
	return nil
}

func (g *Group) FieldValue(f Field) (any, bool) {
	switch f {
	case FieldTables:
		return g.Tables, true
	case FieldBadges:
		return g.Badges, true
	case FieldPower:
		return g.Power, true
	case FieldPowerFee:
		return g.PowerFee, true
	case FieldAutoRecalc:
		return g.AutoRecalc, true
	case FieldCost:
		return g.Cost, true
	case FieldPaid:
		return g.Paid, true
	}
	return nil, false
}

func (g *Group) SetField(f Field, raw json.RawMessage) error {
	switch f {
	case FieldTables:
		return decodeInto(f, raw, &g.Tables)
	case FieldBadges:
		return decodeInto(f, raw, &g.Badges)
	case FieldPower:
		return decodeInto(f, raw, &g.Power)
	case FieldPowerFee:
		return decodeInto(f, raw, &g.PowerFee)
	case FieldAutoRecalc:
		return decodeInto(f, raw, &g.AutoRecalc)
	case FieldCost:
		return decodeInto(f, raw, &g.Cost)
	case FieldPaid:
		return decodeInto(f, raw, &g.Paid)
	}
	return errUnknownField(OwnerGroup, f)
}
