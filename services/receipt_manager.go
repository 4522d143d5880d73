package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/catalog"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

const moduleReceipts = "receipt_manager"

// FeeSchedule is the part of a gateway the ledger needs to price a confirmed charge.
type FeeSchedule interface {
	ProcessingFee(amountCents int64) int64
}

// ReceiptManager owns every write to receipts, items and transactions. All
// writes for one owner are serialized by the owner lock and run in one DB
// transaction.
type ReceiptManager struct {
	db      *gorm.DB
	catalog *catalog.Catalog
	locker  Locker
	fees    FeeSchedule
	events  events.Publisher
	now     func() time.Time
}

func NewReceiptManager(db *gorm.DB, cat *catalog.Catalog, locker Locker, fees FeeSchedule, publisher events.Publisher) *ReceiptManager {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &ReceiptManager{
		db:      db,
		catalog: cat,
		locker:  locker,
		fees:    fees,
		events:  publisher,
		now:     time.Now,
	}
}

func (m *ReceiptManager) Catalog() *catalog.Catalog { return m.catalog }

// pending collects events to publish once the DB transaction commits.
type pending []events.Message

func (p *pending) add(event string, data interface{}) {
	*p = append(*p, events.Message{Event: event, Data: data})
}

func (m *ReceiptManager) withOwnerLock(ctx context.Context, ref models.OwnerRef, fn func(tx *gorm.DB, out *pending) error) error {
	unlock, err := m.locker.Lock(ctx, ownerLockKey(ref))
	if err != nil {
		return err
	}
	defer unlock()

	var out pending
	if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, &out)
	}); err != nil {
		return err
	}
	for _, msg := range out {
		m.events.Publish(msg.Event, msg.Data)
	}
	return nil
}

// ReceiptSummary is a receipt with its running totals.
type ReceiptSummary struct {
	*models.Receipt
	CurrentAmountOwed int64 `json:"current_amount_owed"`
	ItemTotal         int64 `json:"item_total"`
	PaymentTotal      int64 `json:"payment_total"`
	RefundTotal       int64 `json:"refund_total"`
	PendingTotal      int64 `json:"pending_total"`
	TxnTotal          int64 `json:"txn_total"`
}

func Summarize(r *models.Receipt) ReceiptSummary {
	return ReceiptSummary{
		Receipt:           r,
		CurrentAmountOwed: r.CurrentAmountOwed(),
		ItemTotal:         r.ItemTotal(),
		PaymentTotal:      r.PaymentTotal(),
		RefundTotal:       r.RefundTotal(),
		PendingTotal:      r.PendingTotal(),
		TxnTotal:          r.TxnTotal(),
	}
}

func preloadReceipt(tx *gorm.DB) *gorm.DB {
	return tx.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Transactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") })
}

func loadReceipt(tx *gorm.DB, id string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := preloadReceipt(tx).Where("id = ?", id).First(&receipt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	return &receipt, nil
}

func findOpenReceipt(tx *gorm.DB, ref models.OwnerRef) (*models.Receipt, error) {
	var receipt models.Receipt
	err := preloadReceipt(tx).
		Where("owner_id = ? AND owner_type = ? AND closed_at IS NULL", ref.ID, ref.Type).
		First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to find open receipt: %w", err)
	}
	return &receipt, nil
}

func (m *ReceiptManager) receiptOwner(ctx context.Context, receiptID string) (models.OwnerRef, error) {
	var receipt models.Receipt
	err := m.db.WithContext(ctx).Select("id", "owner_id", "owner_type").Where("id = ?", receiptID).First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.OwnerRef{}, ErrReceiptNotFound
		}
		return models.OwnerRef{}, fmt.Errorf("failed to load receipt: %w", err)
	}
	return receipt.Owner(), nil
}

func (m *ReceiptManager) LoadOwner(ctx context.Context, ref models.OwnerRef) (models.Owner, error) {
	return loadOwner(m.db.WithContext(ctx), ref)
}

func (m *ReceiptManager) GetReceipt(ctx context.Context, id string) (*models.Receipt, error) {
	return loadReceipt(m.db.WithContext(ctx), id)
}

func (m *ReceiptManager) GetOpenReceipt(ctx context.Context, ref models.OwnerRef) (*models.Receipt, error) {
	return findOpenReceipt(m.db.WithContext(ctx), ref)
}

// GetReceiptForOwner returns the open receipt, or the most recently closed one.
func (m *ReceiptManager) GetReceiptForOwner(ctx context.Context, ref models.OwnerRef) (*models.Receipt, error) {
	receipt, err := m.GetOpenReceipt(ctx, ref)
	if !errors.Is(err, ErrReceiptNotFound) {
		return receipt, err
	}
	var latest models.Receipt
	err = preloadReceipt(m.db.WithContext(ctx)).
		Where("owner_id = ? AND owner_type = ?", ref.ID, ref.Type).
		Order("closed_at DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReceiptNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to find receipt: %w", err)
	}
	return &latest, nil
}

func (m *ReceiptManager) GetTransaction(ctx context.Context, id string) (*models.ReceiptTransaction, error) {
	var txn models.ReceiptTransaction
	if err := m.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &txn, nil
}

// CreateNewReceipt opens a receipt priced from the owner's full current state.
func (m *ReceiptManager) CreateNewReceipt(ctx context.Context, audit Audit, owner models.Owner) (*models.Receipt, []models.ReceiptItem, error) {
	var (
		receipt *models.Receipt
		items   []models.ReceiptItem
	)
	err := m.withOwnerLock(ctx, owner.Ref(), func(tx *gorm.DB, out *pending) error {
		var err error
		receipt, items, err = m.createReceipt(tx, audit, owner.Ref(), m.catalog.SnapshotFullCost(owner))
		if err != nil {
			return err
		}
		out.add(events.EventReceiptCreated, receipt)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"owner":      owner.Ref().String(),
		"items":      len(items),
		"who":        audit.who(),
	}).Info("Receipt created")
	return receipt, items, nil
}

// GetOrCreateOpenReceipt returns the owner's open receipt, opening one when
// needed.
func (m *ReceiptManager) GetOrCreateOpenReceipt(ctx context.Context, audit Audit, owner models.Owner) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := m.withOwnerLock(ctx, owner.Ref(), func(tx *gorm.DB, out *pending) error {
		var err error
		receipt, err = findOpenReceipt(tx, owner.Ref())
		if !errors.Is(err, ErrReceiptNotFound) {
			return err
		}
		deltas, _, err := m.initialDeltas(tx, owner)
		if err != nil {
			return err
		}
		receipt, _, err = m.createReceipt(tx, audit, owner.Ref(), deltas)
		if err != nil {
			return err
		}
		out.add(events.EventReceiptCreated, receipt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// initialDeltas prices a new receipt. It reports false when the owner
// already had receipts, in which case the new one starts empty.
func (m *ReceiptManager) initialDeltas(tx *gorm.DB, owner models.Owner) ([]catalog.CostDelta, bool, error) {
	var count int64
	ref := owner.Ref()
	if err := tx.Model(&models.Receipt{}).Where("owner_id = ? AND owner_type = ?", ref.ID, ref.Type).Count(&count).Error; err != nil {
		return nil, false, fmt.Errorf("failed to count receipts: %w", err)
	}
	if count > 0 {
		return nil, false, nil
	}
	return m.catalog.SnapshotFullCost(owner), true, nil
}

func (m *ReceiptManager) createReceipt(tx *gorm.DB, audit Audit, ref models.OwnerRef, deltas []catalog.CostDelta) (*models.Receipt, []models.ReceiptItem, error) {
	if _, err := findOpenReceipt(tx, ref); err == nil {
		return nil, nil, ErrReceiptExists
	} else if !errors.Is(err, ErrReceiptNotFound) {
		return nil, nil, err
	}

	receipt := &models.Receipt{OwnerID: ref.ID, OwnerType: ref.Type}
	if err := tx.Create(receipt).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create receipt: %w", err)
	}
	items, err := m.addItems(tx, audit, receipt.ID, deltas)
	if err != nil {
		return nil, nil, err
	}
	receipt.Items = items
	return receipt, items, nil
}

func (m *ReceiptManager) addItems(tx *gorm.DB, audit Audit, receiptID string, deltas []catalog.CostDelta) ([]models.ReceiptItem, error) {
	items := make([]models.ReceiptItem, 0, len(deltas))
	for _, d := range deltas {
		if d.Total() == 0 {
			continue
		}
		item := models.ReceiptItem{
			ReceiptID:   receiptID,
			Description: d.Description,
			AmountCents: d.AmountCents,
			Count:       max(d.Quantity, 1),
			CreatedBy:   audit.who(),
		}
		if err := item.SetRevertChanges(d.Revert); err != nil {
			return nil, fmt.Errorf("failed to encode revert snapshot: %w", err)
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, fmt.Errorf("failed to create receipt item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// PreviewChanges prices an edit without persisting anything.
func (m *ReceiptManager) PreviewChanges(before, after models.Owner, changed []models.Field) []catalog.CostDelta {
	if len(changed) == 0 {
		changed = catalog.Diff(before, after)
	}
	return m.catalog.Preview(before, after, changed)
}

// AutoUpdateReceipt saves an owner edit and records its price effect on the
// open receipt. before must be the state the edit was made against; if the
// stored owner has moved on since, ErrStaleOwner is returned.
func (m *ReceiptManager) AutoUpdateReceipt(ctx context.Context, audit Audit, before, after models.Owner, changed []models.Field) ([]models.ReceiptItem, error) {
	ref := after.Ref()
	if before.Ref() != ref {
		return nil, fmt.Errorf("before and after describe different owners: %s, %s", before.Ref(), ref)
	}
	if len(changed) == 0 {
		changed = catalog.Diff(before, after)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	var items []models.ReceiptItem
	err := m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		current, err := loadOwner(tx, ref)
		if err != nil {
			return err
		}
		for _, f := range changed {
			if !sameField(current, before, f) {
				return fmt.Errorf("%w: %s changed", ErrStaleOwner, f)
			}
		}
		if cur, ok := current.(*models.Group); ok {
			// price badge changes against the stored badge rows
			before.(*models.Group).BadgeItems = cur.BadgeItems
			after.(*models.Group).BadgeItems = append([]models.GroupBadge(nil), cur.BadgeItems...)
			if err := after.(*models.Group).Validate(); err != nil {
				return err
			}
		}

		deltas := m.catalog.Preview(before, after, changed)
		if err := m.saveOwnerFields(tx, after, changed); err != nil {
			return err
		}

		receipt, err := findOpenReceipt(tx, ref)
		switch {
		case errors.Is(err, ErrReceiptNotFound):
			initial, first, err := m.initialDeltas(tx, after)
			if err != nil {
				return err
			}
			if first {
				deltas = initial
			}
			receipt, items, err = m.createReceipt(tx, audit, ref, deltas)
			if err != nil {
				return err
			}
			out.add(events.EventReceiptCreated, receipt)
			return nil
		case err != nil:
			return err
		}

		items, err = m.addItems(tx, audit, receipt.ID, deltas)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			out.add(events.EventReceiptUpdated, map[string]interface{}{"receipt_id": receipt.ID, "items": items})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"owner":   ref.String(),
		"changed": changed,
		"items":   len(items),
		"who":     audit.who(),
	}).Info("Receipt auto-updated")
	return items, nil
}

// CreateCustomReceiptItem adds a line that bypasses the catalog, such as a reprint fee.
func (m *ReceiptManager) CreateCustomReceiptItem(ctx context.Context, audit Audit, receiptID, desc string, amount int64, count int) (*models.ReceiptItem, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidItem)
	}
	if amount == 0 {
		return nil, paymentErr(ErrAmountInvalid, "Item amount cannot be zero.")
	}
	if count <= 0 {
		count = 1
	}

	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var item models.ReceiptItem
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err := loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.IsOpen() {
			return ErrReceiptClosed
		}
		item = models.ReceiptItem{
			ReceiptID:   receipt.ID,
			Description: desc,
			AmountCents: amount,
			Count:       count,
			CreatedBy:   audit.who(),
		}
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("failed to create receipt item: %w", err)
		}
		out.add(events.EventReceiptUpdated, map[string]interface{}{"receipt_id": receipt.ID, "items": []models.ReceiptItem{item}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func findItem(receipt *models.Receipt, itemID string) (*models.ReceiptItem, error) {
	for i := range receipt.Items {
		if receipt.Items[i].ID == itemID {
			return &receipt.Items[i], nil
		}
	}
	return nil, ErrItemNotFound
}

// CompReceiptItem cancels a charge out with an equal credit.
func (m *ReceiptManager) CompReceiptItem(ctx context.Context, audit Audit, receiptID, itemID string) (*models.ReceiptItem, error) {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var credit models.ReceiptItem
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err := loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.IsOpen() {
			return ErrReceiptClosed
		}
		item, err := findItem(receipt, itemID)
		if err != nil {
			return err
		}
		if item.Comped || item.AmountCents <= 0 {
			return ErrItemComped
		}

		credit = models.ReceiptItem{
			ReceiptID:   receipt.ID,
			Description: "Credit for " + item.Description,
			AmountCents: -item.AmountCents,
			Count:       item.Count,
			CreatedBy:   audit.who(),
		}
		if err := tx.Create(&credit).Error; err != nil {
			return fmt.Errorf("failed to create credit item: %w", err)
		}
		if err := tx.Model(item).Update("comped", true).Error; err != nil {
			return fmt.Errorf("failed to mark item comped: %w", err)
		}
		out.add(events.EventReceiptUpdated, map[string]interface{}{"receipt_id": receipt.ID, "items": []models.ReceiptItem{credit}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

// RevertReceiptItem restores the owner fields the item's edit changed and
// records a line cancelling the item out.
func (m *ReceiptManager) RevertReceiptItem(ctx context.Context, audit Audit, receiptID, itemID string) (*models.ReceiptItem, error) {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var undo models.ReceiptItem
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err := loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.IsOpen() {
			return ErrReceiptClosed
		}
		item, err := findItem(receipt, itemID)
		if err != nil {
			return err
		}
		changes, err := item.RevertChanges()
		if err != nil {
			return fmt.Errorf("failed to decode revert snapshot: %w", err)
		}
		if item.Reverted || len(changes) == 0 {
			return ErrNothingToRevert
		}

		owner, err := loadOwner(tx, ref)
		if err != nil {
			return err
		}
		if err := catalog.Apply(owner, changes); err != nil {
			return err
		}
		if g, ok := owner.(*models.Group); ok {
			if err := g.Validate(); err != nil {
				return err
			}
		}
		fields := make([]models.Field, 0, len(changes))
		for _, ch := range changes {
			fields = append(fields, ch.Field)
		}
		if err := m.saveOwnerFields(tx, owner, fields); err != nil {
			return err
		}

		undo = models.ReceiptItem{
			ReceiptID:   receipt.ID,
			Description: "Revert " + item.Description,
			AmountCents: -item.AmountCents,
			Count:       item.Count,
			CreatedBy:   audit.who(),
		}
		if err := tx.Create(&undo).Error; err != nil {
			return fmt.Errorf("failed to create revert item: %w", err)
		}
		if err := tx.Model(item).Update("reverted", true).Error; err != nil {
			return fmt.Errorf("failed to mark item reverted: %w", err)
		}
		out.add(events.EventReceiptUpdated, map[string]interface{}{"receipt_id": receipt.ID, "items": []models.ReceiptItem{undo}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &undo, nil
}

// CreatePaymentTransaction records a payment attempt and links every open
// item to it. Gateway methods need an intent and settle later through
// MarkPaidFromIds; other methods settle immediately.
func (m *ReceiptManager) CreatePaymentTransaction(ctx context.Context, audit Audit, receiptID, desc string, intent *gateway.Intent, amount int64, method models.PaymentMethod) (*models.ReceiptTransaction, error) {
	if amount <= 0 {
		return nil, paymentErr(ErrAmountInvalid, "Payment amount must be greater than zero.")
	}
	intentID := ""
	if method.IsGateway() {
		if intent == nil || intent.ID == "" {
			return nil, fmt.Errorf("%w: %s payments need a gateway intent", ErrInvalidMethod, method)
		}
		intentID = intent.ID
	}

	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var txn models.ReceiptTransaction
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err := loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		if !receipt.IsOpen() {
			return ErrReceiptClosed
		}

		txn = models.ReceiptTransaction{
			ReceiptID:   receipt.ID,
			IntentID:    intentID,
			Method:      method,
			AmountCents: amount,
			Description: desc,
			Who:         audit.who(),
			Items:       receipt.OpenItems(),
		}
		if err := tx.Omit("Items.*").Create(&txn).Error; err != nil {
			return fmt.Errorf("failed to create payment transaction: %w", err)
		}
		out.add(events.EventTransactionCreated, txn)

		if method.IsGateway() {
			return nil
		}
		return m.settle(tx, &txn, out)
	})
	if err != nil {
		return nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"receipt_id":     receiptID,
		"transaction_id": txn.ID,
		"intent_id":      intentID,
		"method":         method,
		"amount":         amount,
		"who":            audit.who(),
	}).Info("Payment transaction created")
	return &txn, nil
}

// settle closes the items a confirmed payment covers, flips the owner to
// paid once nothing is owed, and closes the receipt when it is done. Items
// stay open when the money on the receipt does not cover them.
func (m *ReceiptManager) settle(tx *gorm.DB, txn *models.ReceiptTransaction, out *pending) error {
	receipt, err := loadReceipt(tx, txn.ReceiptID)
	if err != nil {
		return err
	}

	var linked []models.ReceiptItem
	if err := tx.Model(txn).Association("Items").Find(&linked); err != nil {
		return fmt.Errorf("failed to load linked items: %w", err)
	}
	var (
		ids []string
		sum int64
	)
	for _, item := range linked {
		if item.ClosedAt == nil {
			ids = append(ids, item.ID)
			sum += item.Total()
		}
	}

	available := receipt.TxnTotal() - receipt.ClosedItemTotal()
	switch {
	case len(ids) == 0:
	case sum > available:
		utils.LogWarn(moduleReceipts, "settle", "payment does not cover linked items, leaving them open", logrus.Fields{
			"receipt_id":     receipt.ID,
			"transaction_id": txn.ID,
			"items_total":    sum,
			"available":      available,
		})
	default:
		now := m.now()
		res := tx.Model(&models.ReceiptItem{}).
			Where("id IN ? AND closed_at IS NULL", ids).
			Updates(map[string]interface{}{"closed_at": now, "receipt_transaction_id": txn.ID})
		if res.Error != nil {
			return fmt.Errorf("failed to close receipt items: %w", res.Error)
		}
		if receipt, err = loadReceipt(tx, txn.ReceiptID); err != nil {
			return err
		}
	}

	if receipt.CurrentAmountOwed() <= 0 {
		flipped, err := markOwnerPaid(tx, receipt.Owner())
		if err != nil {
			return err
		}
		if flipped {
			out.add(events.EventOwnerPaid, receipt.Owner())
		}
	}
	_, err = m.checkReceiptClosed(tx, receipt.ID, out)
	return err
}

// CreateRefundTransaction records money returned to the owner. A replayed
// refund id returns the existing row.
func (m *ReceiptManager) CreateRefundTransaction(ctx context.Context, audit Audit, receiptID, desc, refundID string, amount int64, method models.PaymentMethod) (*models.ReceiptTransaction, error) {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var refund *models.ReceiptTransaction
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		var created bool
		refund, created, err = m.createRefund(tx, audit, receiptID, desc, refundID, amount, method, out)
		if err != nil {
			return err
		}
		if created {
			out.add(events.EventRefundCreated, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func (m *ReceiptManager) createRefund(tx *gorm.DB, audit Audit, receiptID, desc, refundID string, amount int64, method models.PaymentMethod, out *pending) (*models.ReceiptTransaction, bool, error) {
	if amount <= 0 {
		return nil, false, paymentErr(ErrAmountInvalid, "Refund amount must be greater than zero.")
	}
	if refundID != "" {
		var existing models.ReceiptTransaction
		err := tx.Where("refund_id = ?", refundID).First(&existing).Error
		if err == nil {
			return &existing, false, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("failed to look up refund: %w", err)
		}
	}

	target, credits, err := refundTarget(tx, receiptID)
	if err != nil {
		return nil, false, err
	}
	refund := models.ReceiptTransaction{
		ReceiptID:   target,
		RefundID:    refundID,
		Method:      method,
		AmountCents: -amount,
		Description: desc,
		Who:         audit.who(),
		Items:       credits,
	}
	if err := tx.Omit("Items.*").Create(&refund).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create refund transaction: %w", err)
	}
	if len(credits) == 0 {
		return &refund, true, nil
	}

	ids := make([]string, len(credits))
	for i, item := range credits {
		ids[i] = item.ID
	}
	res := tx.Model(&models.ReceiptItem{}).
		Where("id IN ? AND closed_at IS NULL", ids).
		Updates(map[string]interface{}{"closed_at": m.now(), "receipt_transaction_id": refund.ID})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to close credit items: %w", res.Error)
	}
	out.add(events.EventReceiptUpdated, map[string]interface{}{"receipt_id": target, "closed_items": ids})
	if _, err := m.checkReceiptClosed(tx, target, out); err != nil {
		return nil, false, err
	}
	return &refund, true, nil
}

// refundTarget picks the receipt a refund is written to and the open credit
// items it pays out. Credits raised after the paid receipt closed live on
// the owner's open receipt, so the refund goes there with them.
func refundTarget(tx *gorm.DB, receiptID string) (string, []models.ReceiptItem, error) {
	receipt, err := loadReceipt(tx, receiptID)
	if err != nil {
		return "", nil, err
	}
	if !receipt.IsOpen() {
		open, err := findOpenReceipt(tx, receipt.Owner())
		switch {
		case errors.Is(err, ErrReceiptNotFound):
			return receipt.ID, nil, nil
		case err != nil:
			return "", nil, err
		}
		receipt = open
	}

	var credits []models.ReceiptItem
	for _, item := range receipt.OpenItems() {
		if item.AmountCents < 0 {
			credits = append(credits, item)
		}
	}
	if len(credits) == 0 {
		return receiptID, nil, nil
	}
	return receipt.ID, credits, nil
}

// UpdateTransactionRefund adds amount to a payment's refunded total, refusing
// to push it past the payment amount.
func (m *ReceiptManager) UpdateTransactionRefund(ctx context.Context, txnID string, amount int64) error {
	return updateTransactionRefund(m.db.WithContext(ctx), txnID, amount)
}

func updateTransactionRefund(tx *gorm.DB, txnID string, amount int64) error {
	if amount <= 0 {
		return paymentErr(ErrAmountInvalid, "Refund amount must be greater than zero.")
	}
	res := tx.Model(&models.ReceiptTransaction{}).
		Where("id = ? AND amount_cents > 0 AND refunded_cents + ? <= amount_cents", txnID, amount).
		Update("refunded_cents", gorm.Expr("refunded_cents + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to update refunded amount: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return paymentErr(ErrAmountExceedsLimit, "Refund would exceed the amount left on this transaction.")
	}
	return nil
}

// RecordRefund commits a refund the gateway has already made: the payment's
// refunded total and the refund row move together. Replays of the same
// refund id are no-ops.
func (m *ReceiptManager) RecordRefund(ctx context.Context, audit Audit, paymentID, desc, refundID string, amount int64) (*models.ReceiptTransaction, error) {
	payment, err := m.GetTransaction(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ref, err := m.receiptOwner(ctx, payment.ReceiptID)
	if err != nil {
		return nil, err
	}

	var refund *models.ReceiptTransaction
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		if refundID != "" {
			var existing models.ReceiptTransaction
			err := tx.Where("refund_id = ?", refundID).First(&existing).Error
			if err == nil {
				refund = &existing
				return nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to look up refund: %w", err)
			}
		}
		if err := updateTransactionRefund(tx, payment.ID, amount); err != nil {
			return err
		}
		var err error
		refund, _, err = m.createRefund(tx, audit, payment.ReceiptID, desc, refundID, amount, payment.Method, out)
		if err != nil {
			return err
		}
		out.add(events.EventRefundCreated, refund)
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"receipt_id":     payment.ReceiptID,
		"transaction_id": payment.ID,
		"refund_id":      refundID,
		"amount":         amount,
		"who":            audit.who(),
	}).Info("Refund recorded")
	return refund, nil
}

// MarkPaidFromIds applies a gateway confirmation. Only transactions for the
// intent that have no charge id yet are touched, so redelivery is a no-op.
// Confirmations for unknown intents are logged and ignored.
func (m *ReceiptManager) MarkPaidFromIds(ctx context.Context, intentID, chargeID string) ([]models.ReceiptTransaction, error) {
	if intentID == "" || chargeID == "" {
		return nil, errors.New("intent id and charge id are required")
	}
	fields := logrus.Fields{"intent_id": intentID, "charge_id": chargeID}

	var candidates []models.ReceiptTransaction
	if err := m.db.WithContext(ctx).Where("intent_id = ? AND charge_id = ''", intentID).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to find transactions for intent: %w", err)
	}
	if len(candidates) == 0 {
		var seen int64
		if err := m.db.WithContext(ctx).Model(&models.ReceiptTransaction{}).Where("intent_id = ?", intentID).Count(&seen).Error; err != nil {
			return nil, fmt.Errorf("failed to count transactions for intent: %w", err)
		}
		if seen > 0 {
			utils.InfoLogger.WithFields(fields).Info("Duplicate confirmation ignored")
		} else {
			utils.LogWarn(moduleReceipts, "MarkPaidFromIds", "confirmation for unknown intent ignored", fields)
		}
		return nil, nil
	}

	var settled []models.ReceiptTransaction
	for _, candidate := range candidates {
		ref, err := m.receiptOwner(ctx, candidate.ReceiptID)
		if err != nil {
			return settled, err
		}

		var txn *models.ReceiptTransaction
		err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
			var fee int64
			if m.fees != nil {
				fee = m.fees.ProcessingFee(candidate.AmountCents)
			}
			res := tx.Model(&models.ReceiptTransaction{}).
				Where("id = ? AND charge_id = ''", candidate.ID).
				Updates(map[string]interface{}{
					"charge_id":            chargeID,
					"processing_fee_cents": fee,
					"cancelled_at":         nil,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to set charge id: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil
			}

			var updated models.ReceiptTransaction
			if err := tx.Where("id = ?", candidate.ID).First(&updated).Error; err != nil {
				return fmt.Errorf("failed to reload transaction: %w", err)
			}
			out.add(events.EventTransactionSettled, updated)
			if err := m.settle(tx, &updated, out); err != nil {
				return err
			}
			txn = &updated
			return nil
		})
		if err != nil {
			utils.LogError(moduleReceipts, "MarkPaidFromIds", err, fields)
			return settled, err
		}
		if txn != nil {
			settled = append(settled, *txn)
		}
	}

	utils.InfoLogger.WithFields(fields).WithField("settled", len(settled)).Info("Confirmation applied")
	return settled, nil
}

// CancelStalePending cancels gateway payments that never got a confirmation.
// A late confirmation still settles a cancelled transaction.
func (m *ReceiptManager) CancelStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := m.now()
	res := m.db.WithContext(ctx).Model(&models.ReceiptTransaction{}).
		Where("charge_id = '' AND intent_id <> '' AND cancelled_at IS NULL AND amount_cents > 0 AND created_at < ?", now.Add(-olderThan)).
		Update("cancelled_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cancel stale transactions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		utils.InfoLogger.WithField("cancelled", res.RowsAffected).Info("Stale pending transactions cancelled")
		m.events.Publish(events.EventPendingCancelled, map[string]interface{}{"count": res.RowsAffected})
	}
	return res.RowsAffected, nil
}

// CheckReceiptClosed closes the receipt once no item is open, nothing is
// pending, and the owner is no longer unpaid.
func (m *ReceiptManager) CheckReceiptClosed(ctx context.Context, receiptID string) (bool, error) {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return false, err
	}
	var closed bool
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		closed, err = m.checkReceiptClosed(tx, receiptID, out)
		return err
	})
	return closed, err
}

func (m *ReceiptManager) checkReceiptClosed(tx *gorm.DB, receiptID string, out *pending) (bool, error) {
	receipt, err := loadReceipt(tx, receiptID)
	if err != nil {
		return false, err
	}
	if !receipt.IsOpen() {
		return true, nil
	}
	if len(receipt.OpenItems()) > 0 || receipt.PendingTotal() > 0 {
		return false, nil
	}
	owner, err := loadOwner(tx, receipt.Owner())
	if err != nil {
		return false, err
	}
	if owner.PaidStatus().IsUnpaid() {
		return false, nil
	}
	return m.closeReceipt(tx, receipt, out)
}

func (m *ReceiptManager) closeReceipt(tx *gorm.DB, receipt *models.Receipt, out *pending) (bool, error) {
	now := m.now()
	res := tx.Model(&models.Receipt{}).Where("id = ? AND closed_at IS NULL", receipt.ID).Update("closed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to close receipt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	receipt.ClosedAt = &now
	out.add(events.EventReceiptClosed, map[string]interface{}{"receipt_id": receipt.ID, "owner": receipt.Owner()})
	return true, nil
}

// CloseReceipt closes a receipt on an admin's request, whatever its balance.
func (m *ReceiptManager) CloseReceipt(ctx context.Context, audit Audit, receiptID string) (*models.Receipt, error) {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	var receipt *models.Receipt
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err = loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		closed, err := m.closeReceipt(tx, receipt, out)
		if err != nil {
			return err
		}
		if !closed {
			return ErrReceiptClosed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.InfoLogger.WithFields(logrus.Fields{"receipt_id": receiptID, "who": audit.who()}).Info("Receipt closed")
	return receipt, nil
}

// MarkRefunded closes a fully refunded receipt and marks its owner refunded.
func (m *ReceiptManager) MarkRefunded(ctx context.Context, audit Audit, receiptID string) error {
	ref, err := m.receiptOwner(ctx, receiptID)
	if err != nil {
		return err
	}
	return m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		receipt, err := loadReceipt(tx, receiptID)
		if err != nil {
			return err
		}
		if receipt.TxnTotal() > 0 {
			return fmt.Errorf("receipt still holds %d cents", receipt.TxnTotal())
		}
		if err := setOwnerPaid(tx, ref, models.PaidRefunded); err != nil {
			return err
		}
		_, err = m.closeReceipt(tx, receipt, out)
		utils.InfoLogger.WithFields(logrus.Fields{"receipt_id": receiptID, "who": audit.who()}).Info("Receipt refunded")
		return err
	})
}
