package catalog

import (
	"github.com/yeremiapane/receipt-engine/models"
)

var artShowEntries = []entry{
	{
		fields:   []models.Field{models.FieldPanels},
		delta:    typed(multiplied("General Panels", models.FieldPanels, artPanelPrice)),
		snapshot: typedSnapshot(multipliedSnapshot("General Panels", models.FieldPanels, artPanelPrice)),
	},
	{
		fields:   []models.Field{models.FieldPanelsMature},
		delta:    typed(multiplied("Mature Panels", models.FieldPanelsMature, artPanelPrice)),
		snapshot: typedSnapshot(multipliedSnapshot("Mature Panels", models.FieldPanelsMature, artPanelPrice)),
	},
	{
		fields:   []models.Field{models.FieldTables},
		delta:    typed(multiplied("General Tables", models.FieldTables, artTablePrice)),
		snapshot: typedSnapshot(multipliedSnapshot("General Tables", models.FieldTables, artTablePrice)),
	},
	{
		fields:   []models.Field{models.FieldTablesMature},
		delta:    typed(multiplied("Mature Tables", models.FieldTablesMature, artTablePrice)),
		snapshot: typedSnapshot(multipliedSnapshot("Mature Tables", models.FieldTablesMature, artTablePrice)),
	},
	{
		fields:   []models.Field{models.FieldDeliveryMethod},
		delta:    typed(artMailingDelta),
		snapshot: typedSnapshot(artMailingSnapshot),
	},
	{
		fields:   []models.Field{models.FieldOverriddenPrice},
		delta:    typed(artOverrideDelta),
		snapshot: typedSnapshot(artOverrideSnapshot),
		toggle:   true,
	},
}

func artPanelPrice(p *Prices) int64 { return p.ArtPanel }
func artTablePrice(p *Prices) int64 { return p.ArtTable }

func artCount(app *models.ArtShowApplication, f models.Field) int {
	switch f {
	case models.FieldPanels:
		return app.Panels
	case models.FieldPanelsMature:
		return app.PanelsMature
	case models.FieldTables:
		return app.Tables
	case models.FieldTablesMature:
		return app.TablesMature
	}
	return 0
}

func (c *Catalog) artMailingFee(app *models.ArtShowApplication) int64 {
	if app.DeliveryMethod == models.DeliveryByMail {
		return c.prices.ArtMailingFee
	}
	return 0
}

func (c *Catalog) artShowDefaultCost(app *models.ArtShowApplication) int64 {
	return int64(app.Panels+app.PanelsMature)*c.prices.ArtPanel +
		int64(app.Tables+app.TablesMature)*c.prices.ArtTable +
		c.artMailingFee(app)
}

// multiplied prices a count field at a fixed unit price.
func multiplied(name string, f models.Field, unit func(*Prices) int64) func(*Catalog, *models.ArtShowApplication, *models.ArtShowApplication) []CostDelta {
	return func(c *Catalog, before, after *models.ArtShowApplication) []CostDelta {
		if before.OverriddenPrice != nil || after.OverriddenPrice != nil {
			return nil
		}
		n := artCount(after, f) - artCount(before, f)
		if n == 0 {
			return nil
		}
		price := unit(&c.prices)
		if n < 0 {
			price = -price
		}
		return []CostDelta{{Description: addRemove(n) + " " + name, AmountCents: price, Quantity: abs(n)}}
	}
}

func multipliedSnapshot(name string, f models.Field, unit func(*Prices) int64) func(*Catalog, *models.ArtShowApplication) []CostDelta {
	return func(c *Catalog, app *models.ArtShowApplication) []CostDelta {
		if app.OverriddenPrice != nil || artCount(app, f) == 0 {
			return nil
		}
		return []CostDelta{{Description: name, AmountCents: unit(&c.prices), Quantity: artCount(app, f)}}
	}
}

func artMailingDelta(c *Catalog, before, after *models.ArtShowApplication) []CostDelta {
	if before.OverriddenPrice != nil || after.OverriddenPrice != nil {
		return nil
	}
	oldFee, newFee := c.artMailingFee(before), c.artMailingFee(after)
	if oldFee == newFee {
		return nil
	}
	label := "Add Mailing Fee"
	if newFee == 0 {
		label = "Remove Mailing Fee"
	}
	return []CostDelta{{Description: label, AmountCents: newFee - oldFee, Quantity: 1}}
}

func artMailingSnapshot(c *Catalog, app *models.ArtShowApplication) []CostDelta {
	if app.OverriddenPrice != nil {
		return nil
	}
	return []CostDelta{{Description: "Mailing Fee", AmountCents: c.artMailingFee(app), Quantity: 1}}
}

func artOverrideDelta(c *Catalog, before, after *models.ArtShowApplication) []CostDelta {
	deltas, _ := c.overrideChange(before, after, []models.Field{models.FieldOverriddenPrice})
	return deltas
}

func artOverrideSnapshot(c *Catalog, app *models.ArtShowApplication) []CostDelta {
	if app.OverriddenPrice == nil {
		return nil
	}
	return []CostDelta{{Description: "Art Show Application (Custom Fee)", AmountCents: *app.OverriddenPrice, Quantity: 1}}
}
