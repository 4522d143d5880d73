package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	FieldPanels         Field = "panels"
	FieldPanelsMature   Field = "panels_mature"
	FieldTablesMature   Field = "tables_mature"
	FieldDeliveryMethod Field = "delivery_method"
)

const (
	DeliveryBringIn = "bring_in"
	DeliveryByMail  = "by_mail"
)

type ArtShowApplication struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ArtistName      string     `gorm:"type:varchar(255);not null" json:"artist_name"`
	Email           string     `gorm:"type:varchar(255)" json:"email"`
	Panels          int        `gorm:"not null" json:"panels"`
	PanelsMature    int        `gorm:"not null" json:"panels_mature"`
	Tables          int        `gorm:"not null" json:"tables"`
	TablesMature    int        `gorm:"not null" json:"tables_mature"`
	DeliveryMethod  string     `gorm:"type:varchar(32)" json:"delivery_method"`
	OverriddenPrice *int64     `json:"overridden_price"`
	Paid            PaidStatus `gorm:"type:varchar(32);not null;index" json:"paid"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (app *ArtShowApplication) BeforeCreate(tx *gorm.DB) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.Paid == "" {
		app.Paid = PaidNotPaid
	}
	return nil
}

func (app *ArtShowApplication) Ref() OwnerRef {
	return OwnerRef{ID: app.ID, Type: OwnerArtShowApplication}
}
func (app *ArtShowApplication) PaidStatus() PaidStatus { return app.Paid }
func (app *ArtShowApplication) ContactEmail() string   { return app.Email }

func (app *ArtShowApplication) Clone() Owner {
	c := *app
	if app.OverriddenPrice != nil {
		p := *app.OverriddenPrice
		c.OverriddenPrice = &p
	}
	return &c
}

func (app *ArtShowApplication) FieldValue(f Field) (any, bool) {
	switch f {
	case FieldOverriddenPrice:
		return app.OverriddenPrice, true
	case FieldPanels:
		return app.Panels, true
	case FieldPanelsMature:
		return app.PanelsMature, true
	case FieldTables:
		return app.Tables, true
	case FieldTablesMature:
		return app.TablesMature, true
	case FieldDeliveryMethod:
		return app.DeliveryMethod, true
	case FieldPaid:
		return app.Paid, true
	}
	return nil, false
}

func (app *ArtShowApplication) SetField(f Field, raw json.RawMessage) error {
	switch f {
	case FieldOverriddenPrice:
		var v *int64
		if err := decodeInto(f, raw, &v); err != nil {
			return err
		}
		app.OverriddenPrice = v
		return nil
	case FieldPanels:
		return decodeInto(f, raw, &app.Panels)
	case FieldPanelsMature:
		return decodeInto(f, raw, &app.PanelsMature)
	case FieldTables:
		return decodeInto(f, raw, &app.Tables)
	case FieldTablesMature:
		return decodeInto(f, raw, &app.TablesMature)
	case FieldDeliveryMethod:
		return decodeInto(f, raw, &app.DeliveryMethod)
	case FieldPaid:
		return decodeInto(f, raw, &app.Paid)
	}
	return errUnknownField(OwnerArtShowApplication, f)
}

func errUnknownField(t OwnerType, f Field) error {
	return fmt.Errorf("%w: %s has no priced field %q", ErrInvalidOwner, t, f)
}
