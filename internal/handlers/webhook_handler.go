package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"reseller-service/pkg/common"
)

const (
	PocketFiSignatureHeader = "x-pocketfi-signature"
	maxWebhookBody          = 1 << 20
)

// PocketFiWebhook verifies the raw body before anything is parsed.
func (h *Handler) PocketFiWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, common.NewErrorResponse("Payload too large", http.StatusRequestEntityTooLarge))
			return
		}
		badRequest(c, "Could not read request body")
		return
	}

	result, err := h.PocketFi.HandleWebhook(c.Request.Context(), body, c.GetHeader(PocketFiSignatureHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(result.Status, gin.H{"success": true, "message": result.Message})
}
