package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yeremiapane/receipt-engine/models"
	"gorm.io/gorm"
)

func loadOwner(tx *gorm.DB, ref models.OwnerRef) (models.Owner, error) {
	o, err := models.NewOwner(ref.Type)
	if err != nil {
		return nil, err
	}
	q := tx
	if ref.Type == models.OwnerGroup {
		q = q.Preload("BadgeItems", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
	}
	if err := q.Where("id = ?", ref.ID).First(o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, ref)
		}
		return nil, fmt.Errorf("failed to load owner %s: %w", ref, err)
	}
	return o, nil
}

// saveOwnerFields writes only the given fields so concurrent writers of
// other columns, such as the paid flip, are not clobbered.
func (m *ReceiptManager) saveOwnerFields(tx *gorm.DB, o models.Owner, fields []models.Field) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		cols = append(cols, string(f))
	}
	cols = append(cols, "updated_at")
	if err := tx.Model(o).Select(cols).Updates(o).Error; err != nil {
		return fmt.Errorf("failed to save owner %s: %w", o.Ref(), err)
	}

	if g, ok := o.(*models.Group); ok && hasField(fields, models.FieldBadges) {
		return m.syncGroupBadges(tx, g)
	}
	return nil
}

// syncGroupBadges makes the badge rows match the badge count. New slots are
// bought at the current price; removed slots drop the most expensive
// floating badges, matching how the catalog priced the removal.
func (m *ReceiptManager) syncGroupBadges(tx *gorm.DB, g *models.Group) error {
	have := len(g.BadgeItems)
	switch {
	case g.Badges > have:
		add := make([]models.GroupBadge, g.Badges-have)
		for i := range add {
			add[i] = models.GroupBadge{GroupID: g.ID, PriceCents: m.catalog.Prices().GroupBadge}
		}
		if err := tx.Create(&add).Error; err != nil {
			return fmt.Errorf("failed to add group badges: %w", err)
		}
	case g.Badges < have:
		drop := have - g.Badges
		floating := g.Floating()
		if len(floating) < drop {
			return fmt.Errorf("%w: %d assigned", models.ErrAssignedBadges, g.AssignedCount())
		}
		ids := make([]uint, 0, drop)
		for _, b := range floating[:drop] {
			ids = append(ids, b.ID)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.GroupBadge{}).Error; err != nil {
			return fmt.Errorf("failed to remove group badges: %w", err)
		}
	default:
		return nil
	}
	return tx.Where("group_id = ?", g.ID).Order("id ASC").Find(&g.BadgeItems).Error
}

// markOwnerPaid flips an unpaid owner to has_paid. It reports whether this
// call made the flip.
func markOwnerPaid(tx *gorm.DB, ref models.OwnerRef) (bool, error) {
	o, err := models.NewOwner(ref.Type)
	if err != nil {
		return false, err
	}
	res := tx.Model(o).
		Where("id = ? AND paid IN ?", ref.ID, models.UnpaidStatuses).
		Update("paid", models.PaidHasPaid)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark owner %s paid: %w", ref, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func setOwnerPaid(tx *gorm.DB, ref models.OwnerRef, status models.PaidStatus) error {
	o, err := models.NewOwner(ref.Type)
	if err != nil {
		return err
	}
	if err := tx.Model(o).Where("id = ?", ref.ID).Update("paid", status).Error; err != nil {
		return fmt.Errorf("failed to set owner %s paid status: %w", ref, err)
	}
	return nil
}

func sameField(a, b models.Owner, f models.Field) bool {
	av, _ := a.FieldValue(f)
	bv, _ := b.FieldValue(f)
	ab, errA := json.Marshal(av)
	bb, errB := json.Marshal(bv)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func hasField(fields []models.Field, f models.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
