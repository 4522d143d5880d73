package database

import (
	"errors"
	"strings"

	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedAdmin creates the first admin account if no account with that email
// exists yet. An empty email skips seeding.
func SeedAdmin(db *gorm.DB, email, password string) error {
	if email == "" {
		return nil
	}
	email = strings.ToLower(email)

	var existing models.AdminAccount
	err := db.Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := models.AdminAccount{
		Name:     "Administrator",
		Email:    email,
		Password: string(hashed),
		Role:     models.RoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}
	utils.InfoLogger.WithField("email", email).Info("Seeded admin account")
	return nil
}
