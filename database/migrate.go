package database

import (
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

// indexStatements are the indexes AutoMigrate cannot express. MySQL has no
// partial indexes; there the owner lock alone keeps one open receipt per owner.
var indexStatements = map[string][]string{
	"sqlite": {
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_open_owner ON receipts (owner_type, owner_id) WHERE closed_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipt_transactions_refund_id ON receipt_transactions (refund_id) WHERE refund_id <> ''`,
	},
	"postgres": {
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_open_owner ON receipts (owner_type, owner_id) WHERE closed_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipt_transactions_refund_id ON receipt_transactions (refund_id) WHERE refund_id <> ''`,
	},
}

func Models() []interface{} {
	return []interface{}{
		&models.AdminAccount{},
		&models.Attendee{},
		&models.Group{},
		&models.GroupBadge{},
		&models.ArtShowApplication{},
		&models.Receipt{},
		&models.ReceiptItem{},
		&models.ReceiptTransaction{},
		&models.GatewayOperation{},
		&models.Notification{},
	}
}

// Migrate creates or updates every table and then the partial indexes for
// the connected dialect.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	utils.InfoLogger.Println("AutoMigrate completed.")

	dialect := db.Dialector.Name()
	for _, stmt := range indexStatements[dialect] {
		if err := db.Exec(stmt).Error; err != nil {
			utils.ErrorLogger.WithField("statement", stmt).Errorf("Error creating index: %v", err)
			return err
		}
	}
	utils.InfoLogger.WithField("dialect", dialect).Printf("Created %d partial indexes", len(indexStatements[dialect]))
	return nil
}
