// Package catalog prices owner attribute changes. Every (owner type, field)
// pair with a price effect is registered here with a typed delta function.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/yeremiapane/receipt-engine/models"
)

// CostDelta is a priced change that becomes a ReceiptItem once committed.
type CostDelta struct {
	Description string               `json:"description"`
	AmountCents int64                `json:"amount_cents"`
	Quantity    int                  `json:"quantity"`
	Revert      []models.FieldChange `json:"revert,omitempty"`
}

func (d CostDelta) Total() int64 {
	return d.AmountCents * int64(d.Quantity)
}

// DeltaFunc computes the price effect of moving an owner from before to after.
// A nil result means no effect.
type DeltaFunc func(before, after models.Owner) []CostDelta

type deltaImpl func(c *Catalog, before, after models.Owner) []CostDelta
type snapshotImpl func(c *Catalog, o models.Owner) []CostDelta

type entry struct {
	fields   []models.Field
	delta    deltaImpl
	snapshot snapshotImpl
	// toggle entries short-circuit the per-field walk and are handled by Preview.
	toggle bool
}

// typed adapts a function over a concrete owner type to the registry signature.
func typed[T models.Owner](fn func(c *Catalog, before, after T) []CostDelta) deltaImpl {
	return func(c *Catalog, before, after models.Owner) []CostDelta {
		b, ok := before.(T)
		if !ok {
			return nil
		}
		a, ok := after.(T)
		if !ok {
			return nil
		}
		return fn(c, b, a)
	}
}

func typedSnapshot[T models.Owner](fn func(c *Catalog, o T) []CostDelta) snapshotImpl {
	return func(c *Catalog, o models.Owner) []CostDelta {
		v, ok := o.(T)
		if !ok {
			return nil
		}
		return fn(c, v)
	}
}

var registry = map[models.OwnerType][]entry{
	models.OwnerAttendee:           attendeeEntries,
	models.OwnerGroup:              groupEntries,
	models.OwnerArtShowApplication: artShowEntries,
}

type Catalog struct {
	prices Prices
}

func New(prices Prices) *Catalog {
	return &Catalog{prices: prices}
}

func (c *Catalog) Prices() Prices {
	return c.prices
}

// Lookup returns the delta function for a field, or false when the field has
// no price effect.
func (c *Catalog) Lookup(t models.OwnerType, f models.Field) (DeltaFunc, bool) {
	e, ok := findEntry(t, f)
	if !ok {
		return nil, false
	}
	return func(before, after models.Owner) []CostDelta {
		return nonZero(e.delta(c, before, after))
	}, true
}

// Fields lists the registered fields of an owner type in registry order.
func Fields(t models.OwnerType) []models.Field {
	var fields []models.Field
	for _, e := range registry[t] {
		fields = append(fields, e.fields...)
	}
	return fields
}

// Apply writes a revert snapshot back onto an owner. Only registered fields
// and the paid status may be reverted.
func Apply(o models.Owner, changes []models.FieldChange) error {
	allowed := map[models.Field]bool{models.FieldPaid: true}
	for _, f := range Fields(o.Ref().Type) {
		allowed[f] = true
	}
	for _, ch := range changes {
		if !allowed[ch.Field] {
			return fmt.Errorf("%s field %q cannot be reverted", o.Ref().Type, ch.Field)
		}
	}
	return models.ApplyChanges(o, changes)
}

// SnapshotFullCost prices an owner from scratch, for its first receipt.
func (c *Catalog) SnapshotFullCost(o models.Owner) []CostDelta {
	var deltas []CostDelta
	for _, e := range registry[o.Ref().Type] {
		if e.snapshot == nil {
			continue
		}
		deltas = append(deltas, e.snapshot(c, o)...)
	}
	return nonZero(deltas)
}

// DefaultCost is what the catalog charges, ignoring overrides and custom fees.
func (c *Catalog) DefaultCost(o models.Owner) int64 {
	switch v := o.(type) {
	case *models.Attendee:
		return c.attendeeDefaultCost(v)
	case *models.Group:
		return c.groupDefaultCost(v)
	case *models.ArtShowApplication:
		return c.artShowDefaultCost(v)
	}
	return 0
}

// Cost is what the owner currently owes in total.
func (c *Catalog) Cost(o models.Owner) int64 {
	switch v := o.(type) {
	case *models.Attendee:
		if v.OverriddenPrice != nil {
			return *v.OverriddenPrice
		}
	case *models.Group:
		if !v.AutoRecalc {
			return v.Cost
		}
	case *models.ArtShowApplication:
		if v.OverriddenPrice != nil {
			return *v.OverriddenPrice
		}
	}
	return c.DefaultCost(o)
}

// Diff returns the registered fields whose values differ between two owners.
func Diff(before, after models.Owner) []models.Field {
	var changed []models.Field
	for _, f := range Fields(before.Ref().Type) {
		if !sameValue(before, after, f) {
			changed = append(changed, f)
		}
	}
	return changed
}

// Preview computes the items an edit would produce, in priority order:
// a custom price override change yields one delta, then a group custom fee
// change yields one delta, otherwise each changed field is priced on its own
// (sibling fields registered together are priced together).
func (c *Catalog) Preview(before, after models.Owner, changed []models.Field) []CostDelta {
	if changed == nil {
		changed = Diff(before, after)
	}
	if len(changed) == 0 {
		return nil
	}

	if deltas, handled := c.overrideChange(before, after, changed); handled {
		return nonZero(deltas)
	}
	if deltas, handled := c.customFeeChange(before, after, changed); handled {
		return nonZero(deltas)
	}

	want := make(map[models.Field]bool, len(changed))
	for _, f := range changed {
		want[f] = true
	}

	var deltas []CostDelta
	cur := before.Clone()
	for _, e := range registry[before.Ref().Type] {
		if e.toggle || !touches(e, want) {
			continue
		}
		next := cur.Clone()
		for _, f := range e.fields {
			if err := models.CopyField(next, after, f); err != nil {
				continue
			}
		}
		revert := models.CaptureFields(cur, e.fields...)
		for _, d := range e.delta(c, cur, next) {
			d.Revert = revert
			deltas = append(deltas, d)
		}
		cur = next
	}
	return nonZero(deltas)
}

// overrideChange handles owners with a custom price override. Any change to the
// override prices the whole edit as one delta; while it stays set nothing else
// is priced.
func (c *Catalog) overrideChange(before, after models.Owner, changed []models.Field) ([]CostDelta, bool) {
	oldOverride, ok := before.FieldValue(models.FieldOverriddenPrice)
	if !ok {
		return nil, false
	}
	newOverride, _ := after.FieldValue(models.FieldOverriddenPrice)
	oldSet := oldOverride.(*int64) != nil
	newSet := newOverride.(*int64) != nil

	if !oldSet && !newSet {
		return nil, false
	}
	if oldSet && newSet && *oldOverride.(*int64) == *newOverride.(*int64) {
		return nil, true
	}

	label := "Update"
	switch {
	case !oldSet:
		label = "Set"
	case !newSet:
		label = "Unset"
	}
	name := "Custom Fee"
	if before.Ref().Type == models.OwnerAttendee {
		name = "Custom Badge Price"
	}
	return []CostDelta{{
		Description: label + " " + name,
		AmountCents: c.Cost(after) - c.Cost(before),
		Quantity:    1,
		Revert:      models.CaptureFields(before, withField(changed, models.FieldOverriddenPrice)...),
	}}, true
}

// customFeeChange handles groups switching between catalog pricing and a
// manually set fee.
func (c *Catalog) customFeeChange(before, after models.Owner, changed []models.Field) ([]CostDelta, bool) {
	b, ok := before.(*models.Group)
	if !ok {
		return nil, false
	}
	a, ok := after.(*models.Group)
	if !ok {
		return nil, false
	}
	if b.AutoRecalc && a.AutoRecalc {
		return nil, false
	}
	if !b.AutoRecalc && !a.AutoRecalc && b.Cost == a.Cost {
		return nil, true
	}
	return c.groupCustomFee(b, a, withField(changed, models.FieldAutoRecalc, models.FieldCost)), true
}

func findEntry(t models.OwnerType, f models.Field) (entry, bool) {
	for _, e := range registry[t] {
		for _, ef := range e.fields {
			if ef == f {
				return e, true
			}
		}
	}
	return entry{}, false
}

func touches(e entry, want map[models.Field]bool) bool {
	for _, f := range e.fields {
		if want[f] {
			return true
		}
	}
	return false
}

func withField(fields []models.Field, extra ...models.Field) []models.Field {
	out := append([]models.Field(nil), fields...)
	for _, x := range extra {
		found := false
		for _, f := range out {
			if f == x {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

func sameValue(a, b models.Owner, f models.Field) bool {
	av, _ := a.FieldValue(f)
	bv, _ := b.FieldValue(f)
	ar, err := json.Marshal(av)
	if err != nil {
		return false
	}
	br, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ar, br)
}

func nonZero(deltas []CostDelta) []CostDelta {
	var out []CostDelta
	for _, d := range deltas {
		if d.Quantity == 0 {
			d.Quantity = 1
		}
		if d.AmountCents == 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func addRemove(n int) string {
	if n > 0 {
		return "Add"
	}
	return "Remove"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
