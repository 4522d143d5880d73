package catalog

import (
	"fmt"
	"sort"

	"github.com/yeremiapane/receipt-engine/models"
)

var groupEntries = []entry{
	{
		fields:   []models.Field{models.FieldTables},
		delta:    typed(groupTablesDelta),
		snapshot: typedSnapshot(groupTablesSnapshot),
	},
	{
		fields:   []models.Field{models.FieldBadges},
		delta:    typed(groupBadgesDelta),
		snapshot: typedSnapshot(groupBadgesSnapshot),
	},
	{
		// a custom power fee replaces the level's catalog price, so both
		// fields are priced as one change
		fields:   []models.Field{models.FieldPower, models.FieldPowerFee},
		delta:    typed(groupPowerDelta),
		snapshot: typedSnapshot(groupPowerSnapshot),
	},
	{
		fields:   []models.Field{models.FieldAutoRecalc, models.FieldCost},
		delta:    typed(groupCustomFeeDelta),
		snapshot: typedSnapshot(groupCustomFeeSnapshot),
		toggle:   true,
	},
}

func (c *Catalog) groupBadgePrices(g *models.Group) []int64 {
	return g.BadgePrices(c.prices.GroupBadge)
}

func (c *Catalog) groupPowerCost(g *models.Group) int64 {
	if g.PowerFee > 0 {
		return g.PowerFee
	}
	price, _ := c.prices.PowerPrice(g.Power)
	return price
}

func (c *Catalog) groupDefaultCost(g *models.Group) int64 {
	total := c.prices.TablePrice(g.Tables) + c.groupPowerCost(g)
	for _, p := range c.groupBadgePrices(g) {
		total += p
	}
	return total
}

// autoPriced reports whether per-field pricing applies to both states.
func autoPriced(before, after *models.Group) bool {
	return before.AutoRecalc && after.AutoRecalc
}

func groupTablesDelta(c *Catalog, before, after *models.Group) []CostDelta {
	if !autoPriced(before, after) {
		return nil
	}
	n := after.Tables - before.Tables
	if n == 0 {
		return nil
	}
	return []CostDelta{{
		Description: fmt.Sprintf("%s %d Tables", addRemove(n), abs(n)),
		AmountCents: c.prices.TablePrice(after.Tables) - c.prices.TablePrice(before.Tables),
		Quantity:    1,
	}}
}

// groupBadgesDelta prices added badges at the current price and removed badges
// at what each cost, one delta per distinct unit price.
func groupBadgesDelta(c *Catalog, before, after *models.Group) []CostDelta {
	if !autoPriced(before, after) {
		return nil
	}
	added, removed := priceDiff(c.groupBadgePrices(before), c.groupBadgePrices(after))

	var deltas []CostDelta
	for _, price := range sortedPrices(added) {
		deltas = append(deltas, CostDelta{Description: "Add Group Badge", AmountCents: price, Quantity: added[price]})
	}
	for _, price := range sortedPrices(removed) {
		deltas = append(deltas, CostDelta{Description: "Remove Group Badge", AmountCents: -price, Quantity: removed[price]})
	}
	return deltas
}

func groupPowerDelta(c *Catalog, before, after *models.Group) []CostDelta {
	if !autoPriced(before, after) {
		return nil
	}
	oldCost, newCost := c.groupPowerCost(before), c.groupPowerCost(after)
	if oldCost == newCost {
		return nil
	}
	label := "Change Power"
	switch {
	case oldCost == 0:
		label = "Add Power"
	case newCost == 0:
		label = "Remove Power"
	}
	return []CostDelta{{Description: label, AmountCents: newCost - oldCost, Quantity: 1}}
}

func groupCustomFeeDelta(c *Catalog, before, after *models.Group) []CostDelta {
	return c.groupCustomFee(before, after, []models.Field{models.FieldAutoRecalc, models.FieldCost})
}

func (c *Catalog) groupCustomFee(before, after *models.Group, fields []models.Field) []CostDelta {
	label := "Update"
	switch {
	case before.AutoRecalc && !after.AutoRecalc:
		label = "Set"
	case !before.AutoRecalc && after.AutoRecalc:
		label = "Unset"
	case before.AutoRecalc && after.AutoRecalc:
		return nil
	}
	return []CostDelta{{
		Description: label + " Custom Fee",
		AmountCents: c.Cost(after) - c.Cost(before),
		Quantity:    1,
		Revert:      models.CaptureFields(before, fields...),
	}}
}

func groupTablesSnapshot(c *Catalog, g *models.Group) []CostDelta {
	if !g.AutoRecalc || g.Tables == 0 {
		return nil
	}
	return []CostDelta{{
		Description: fmt.Sprintf("%d Tables", g.Tables),
		AmountCents: c.prices.TablePrice(g.Tables),
		Quantity:    1,
	}}
}

func groupBadgesSnapshot(c *Catalog, g *models.Group) []CostDelta {
	if !g.AutoRecalc {
		return nil
	}
	counts, _ := priceDiff(nil, c.groupBadgePrices(g))
	var deltas []CostDelta
	for _, price := range sortedPrices(counts) {
		deltas = append(deltas, CostDelta{Description: "Group Badge", AmountCents: price, Quantity: counts[price]})
	}
	return deltas
}

func groupPowerSnapshot(c *Catalog, g *models.Group) []CostDelta {
	if !g.AutoRecalc {
		return nil
	}
	return []CostDelta{{Description: "Power", AmountCents: c.groupPowerCost(g), Quantity: 1}}
}

func groupCustomFeeSnapshot(c *Catalog, g *models.Group) []CostDelta {
	if g.AutoRecalc {
		return nil
	}
	return []CostDelta{{Description: "Group (Custom Fee)", AmountCents: g.Cost, Quantity: 1}}
}

// priceDiff compares two multisets of unit prices.
func priceDiff(before, after []int64) (added, removed map[int64]int) {
	counts := make(map[int64]int)
	for _, p := range after {
		counts[p]++
	}
	for _, p := range before {
		counts[p]--
	}
	added = make(map[int64]int)
	removed = make(map[int64]int)
	for p, n := range counts {
		switch {
		case n > 0:
			added[p] = n
		case n < 0:
			removed[p] = -n
		}
	}
	return added, removed
}

func sortedPrices(m map[int64]int) []int64 {
	prices := make([]int64, 0, len(m))
	for p := range m {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	return prices
}
