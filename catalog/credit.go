package catalog

// CreditChange reports a discount moving from Prior to Prior+Change.
// Discounts are negative amounts.
type CreditChange struct {
	Description string
	Prior       int64
	Change      int64
}

// CreditDelta labels a discount change by comparing the old and new discounts:
// none before means "Added", none after means "Removed", otherwise "Changed".
func CreditDelta(name string, oldDiscount, newDiscount int64) (CreditChange, bool) {
	if oldDiscount == newDiscount {
		return CreditChange{}, false
	}
	label := "Changed"
	switch {
	case oldDiscount == 0:
		label = "Added"
	case newDiscount == 0:
		label = "Removed"
	}
	return CreditChange{
		Description: label + " " + name,
		Prior:       oldDiscount,
		Change:      newDiscount - oldDiscount,
	}, true
}

func (cc CreditChange) delta() CostDelta {
	return CostDelta{Description: cc.Description, AmountCents: cc.Change, Quantity: 1}
}

func creditDeltas(name string, oldDiscount, newDiscount int64) []CostDelta {
	cc, ok := CreditDelta(name, oldDiscount, newDiscount)
	if !ok {
		return nil
	}
	return []CostDelta{cc.delta()}
}
