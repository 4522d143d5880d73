package catalog

import (
	"github.com/yeremiapane/receipt-engine/models"
)

var attendeeEntries = []entry{
	{
		fields:   []models.Field{models.FieldBadgeType},
		delta:    typed(attendeeBadgeTypeDelta),
		snapshot: typedSnapshot(attendeeBadgeSnapshot),
	},
	{
		fields:   []models.Field{models.FieldAgeGroup},
		delta:    typed(attendeeAgeDelta),
		snapshot: typedSnapshot(attendeeAgeSnapshot),
	},
	{
		fields:   []models.Field{models.FieldPaid},
		delta:    typed(attendeeCompDelta),
		snapshot: typedSnapshot(attendeeCompSnapshot),
	},
	{
		fields:   []models.Field{models.FieldExtraDonation},
		delta:    typed(attendeeDonationDelta),
		snapshot: typedSnapshot(attendeeDonationSnapshot),
	},
	{
		fields:   []models.Field{models.FieldAmountExtra},
		delta:    typed(attendeeMerchDelta),
		snapshot: typedSnapshot(attendeeMerchSnapshot),
	},
	{
		fields:   []models.Field{models.FieldOverriddenPrice},
		delta:    typed(attendeeOverrideDelta),
		snapshot: typedSnapshot(attendeeOverrideSnapshot),
		toggle:   true,
	},
}

func (c *Catalog) attendeeAgeDiscount(a *models.Attendee) int64 {
	base := c.prices.BadgePrice(a.BadgeType)
	return -c.prices.AgeDiscount(a.AgeGroup, base)
}

// attendeeBadgeCost is the badge price after age discounts.
func (c *Catalog) attendeeBadgeCost(a *models.Attendee) int64 {
	return c.prices.BadgePrice(a.BadgeType) + c.attendeeAgeDiscount(a)
}

// attendeeComp is the credit that zeroes a comped badge.
func (c *Catalog) attendeeComp(a *models.Attendee) int64 {
	if !a.Paid.IsComp() {
		return 0
	}
	return -c.attendeeBadgeCost(a)
}

func (c *Catalog) attendeeDefaultCost(a *models.Attendee) int64 {
	return c.attendeeBadgeCost(a) + c.attendeeComp(a) + a.ExtraDonation + a.AmountExtra
}

func attendeeBadgeTypeDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	diff := c.attendeeBadgeCost(after) + c.attendeeComp(after) -
		c.attendeeBadgeCost(before) - c.attendeeComp(before)
	if diff == 0 {
		return nil
	}
	label := "Upgrading Badge Type"
	if diff < 0 {
		label = "Downgrading Badge Type"
	}
	return []CostDelta{{Description: label, AmountCents: diff, Quantity: 1}}
}

func attendeeAgeDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	effective := func(a *models.Attendee) int64 {
		if a.Paid.IsComp() {
			return 0
		}
		return c.attendeeAgeDiscount(a)
	}
	return creditDeltas("Age Discount", effective(before), effective(after))
}

func attendeeCompDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	return creditDeltas("Badge Comp", c.attendeeComp(before), c.attendeeComp(after))
}

func attendeeDonationDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	return simpleChange("Extra Donation", "Increase", "Decrease", before.ExtraDonation, after.ExtraDonation)
}

func attendeeMerchDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	return simpleChange("Preordered Merch", "Upgrade", "Downgrade", before.AmountExtra, after.AmountExtra)
}

func attendeeOverrideDelta(c *Catalog, before, after *models.Attendee) []CostDelta {
	deltas, _ := c.overrideChange(before, after, []models.Field{models.FieldOverriddenPrice})
	return deltas
}

func attendeeBadgeSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	label := c.prices.BadgeLabel(a.BadgeType) + " Badge"
	if name := a.FullName(); name != " " {
		label += " for " + name
	}
	return []CostDelta{{Description: label, AmountCents: c.prices.BadgePrice(a.BadgeType), Quantity: 1}}
}

func attendeeAgeSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	return []CostDelta{{Description: "Age Discount", AmountCents: c.attendeeAgeDiscount(a), Quantity: 1}}
}

func attendeeCompSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	return []CostDelta{{Description: "Badge Comp", AmountCents: c.attendeeComp(a), Quantity: 1}}
}

func attendeeDonationSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	return []CostDelta{{Description: "Extra Donation", AmountCents: a.ExtraDonation, Quantity: 1}}
}

func attendeeMerchSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	return []CostDelta{{Description: "Preordered Merch", AmountCents: a.AmountExtra, Quantity: 1}}
}

func attendeeOverrideSnapshot(c *Catalog, a *models.Attendee) []CostDelta {
	if a.OverriddenPrice == nil {
		return nil
	}
	return []CostDelta{{
		Description: "Custom Badge Price",
		AmountCents: *a.OverriddenPrice - c.attendeeDefaultCost(a),
		Quantity:    1,
	}}
}

func simpleChange(name, up, down string, oldVal, newVal int64) []CostDelta {
	diff := newVal - oldVal
	if diff == 0 {
		return nil
	}
	label := up
	if diff < 0 {
		label = down
	}
	return []CostDelta{{Description: label + " " + name, AmountCents: diff, Quantity: 1}}
}
