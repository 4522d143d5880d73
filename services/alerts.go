package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

// Alerter reports failures that need staff attention: an error log line, a
// Notification row and a dashboard event.
type Alerter struct {
	db     *gorm.DB
	events events.Publisher
}

func NewAlerter(db *gorm.DB, publisher events.Publisher) *Alerter {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Alerter{db: db, events: publisher}
}

func (a *Alerter) Alert(ctx context.Context, severity, title, message, receiptID string, fields logrus.Fields) {
	entry := utils.ErrorLogger.WithField("alert", title)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)

	n := models.Notification{Severity: severity, Title: title, Message: message}
	if receiptID != "" {
		n.ReceiptID = &receiptID
	}
	if err := a.db.WithContext(ctx).Create(&n).Error; err != nil {
		utils.LogError("services", "Alert", err, logrus.Fields{"title": title})
		return
	}
	a.events.Publish(events.EventAlert, n)
}
