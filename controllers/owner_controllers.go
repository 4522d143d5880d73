package controllers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
)

type OwnerController struct {
	Receipts *services.ReceiptManager
}

func NewOwnerController(receipts *services.ReceiptManager) *OwnerController {
	return &OwnerController{Receipts: receipts}
}

// UpdateOwner applies field edits to an owner and records their price
// effect. With ?preview=true nothing is saved and the deltas are returned.
func (oc *OwnerController) UpdateOwner(c *gin.Context) {
	ref, err := ownerRefParam(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if len(body) == 0 {
		utils.RespondJSON(c, http.StatusOK, "Nothing to update", gin.H{"items": []models.ReceiptItem{}})
		return
	}

	ctx := c.Request.Context()
	before, err := oc.Receipts.LoadOwner(ctx, ref)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	after := before.Clone()

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changed := make([]models.Field, 0, len(keys))
	for _, k := range keys {
		f := models.Field(k)
		if err := after.SetField(f, body[k]); err != nil {
			respondServiceError(c, err)
			return
		}
		changed = append(changed, f)
	}

	if c.Query("preview") == "true" {
		deltas := oc.Receipts.PreviewChanges(before, after, changed)
		utils.RespondJSON(c, http.StatusOK, "Preview", gin.H{"deltas": deltas})
		return
	}

	items, err := oc.Receipts.AutoUpdateReceipt(ctx, auditFrom(c), before, after, changed)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Owner updated", gin.H{"owner": after, "items": items})
}
