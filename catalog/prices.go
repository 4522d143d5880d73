package catalog

import "github.com/yeremiapane/receipt-engine/models"

// Prices are the catalog inputs, all in cents.
type Prices struct {
	Badges       map[string]int64 `mapstructure:"badges"`
	AgeDiscounts map[string]int64 `mapstructure:"age_discounts"`
	GroupBadge   int64            `mapstructure:"group_badge"`
	// TableTiers[i] is the price of the (i+1)th table; the last tier repeats.
	TableTiers    []int64           `mapstructure:"table_tiers"`
	PowerLevels   map[int]int64     `mapstructure:"power_levels"`
	ArtPanel      int64             `mapstructure:"art_panel"`
	ArtTable      int64             `mapstructure:"art_table"`
	ArtMailingFee int64             `mapstructure:"art_mailing_fee"`
	BadgeLabels   map[string]string `mapstructure:"-"`
}

func DefaultPrices() Prices {
	return Prices{
		Badges: map[string]int64{
			models.BadgeAttendee:  4000,
			models.BadgeSupporter: 6500,
			models.BadgeOneDay:    2500,
			models.BadgeStaff:     0,
			models.BadgeGuest:     0,
		},
		AgeDiscounts: map[string]int64{
			models.AgeGroupUnder13: 2000,
			// larger than any badge, so the discount is capped at the badge price
			models.AgeGroupUnder6: 999999,
		},
		GroupBadge:    4000,
		TableTiers:    []int64{10000, 20000, 30000},
		PowerLevels:   map[int]int64{1: 5000, 2: 10000},
		ArtPanel:      1000,
		ArtTable:      1000,
		ArtMailingFee: 2500,
		BadgeLabels: map[string]string{
			models.BadgeAttendee:  "Attendee",
			models.BadgeSupporter: "Supporter",
			models.BadgeOneDay:    "One Day",
			models.BadgeStaff:     "Staff",
			models.BadgeGuest:     "Guest",
		},
	}
}

func (p *Prices) BadgePrice(badgeType string) int64 {
	return p.Badges[badgeType]
}

func (p *Prices) BadgeLabel(badgeType string) string {
	if label, ok := p.BadgeLabels[badgeType]; ok {
		return label
	}
	return badgeType
}

// AgeDiscount is the discount for an age group, capped at base.
func (p *Prices) AgeDiscount(ageGroup string, base int64) int64 {
	d := p.AgeDiscounts[ageGroup]
	if d > base {
		d = base
	}
	return d
}

// TablePrice is the total price of n tables.
func (p *Prices) TablePrice(n int) int64 {
	if n <= 0 || len(p.TableTiers) == 0 {
		return 0
	}
	var total int64
	for i := 0; i < n; i++ {
		if i < len(p.TableTiers) {
			total += p.TableTiers[i]
		} else {
			total += p.TableTiers[len(p.TableTiers)-1]
		}
	}
	return total
}

func (p *Prices) PowerPrice(level int) (int64, bool) {
	price, ok := p.PowerLevels[level]
	return price, ok
}
