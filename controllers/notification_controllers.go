package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

type NotificationController struct {
	DB *gorm.DB
}

func NewNotificationController(db *gorm.DB) *NotificationController {
	return &NotificationController{DB: db}
}

// GetAllNotifications lists staff alerts, newest first. ?unresolved=true
// hides the ones already handled.
func (nc *NotificationController) GetAllNotifications(c *gin.Context) {
	q := nc.DB.WithContext(c.Request.Context()).Order("created_at DESC, id DESC")
	if c.Query("unresolved") == "true" {
		q = q.Where("resolved = ?", false)
	}
	if sev := c.Query("severity"); sev != "" {
		q = q.Where("severity = ?", sev)
	}

	var notifs []models.Notification
	if err := q.Find(&notifs).Error; err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "All notifications", notifs)
}

func (nc *NotificationController) GetNotificationByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("notif_id"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid notification id"))
		return
	}

	var notif models.Notification
	if err := nc.DB.WithContext(c.Request.Context()).First(&notif, id).Error; err != nil {
		utils.RespondError(c, http.StatusNotFound, errors.New("notification not found"))
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Notification detail", notif)
}

// ResolveNotification marks an alert as handled by the caller.
func (nc *NotificationController) ResolveNotification(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("notif_id"), 10, 64)
	if err != nil {
		badRequest(c, errors.New("invalid notification id"))
		return
	}

	res := nc.DB.WithContext(c.Request.Context()).Model(&models.Notification{}).
		Where("id = ?", id).Update("resolved", true)
	if res.Error != nil {
		utils.RespondError(c, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		utils.RespondError(c, http.StatusNotFound, errors.New("notification not found"))
		return
	}

	utils.InfoLogger.WithField("notif_id", id).WithField("who", auditFrom(c).Who).Info("Notification resolved")
	utils.RespondJSON(c, http.StatusOK, "Notification resolved", gin.H{"notif_id": id})
}
