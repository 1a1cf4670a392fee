package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"reseller-service/internal/services"
	"reseller-service/pkg/common"
)

// flexID accepts a JSON string or number. Vendor ids are numeric for SMSPool
// and strings for TextVerified.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type RentRequest struct {
	ServiceID flexID          `json:"serviceId"`
	CountryID flexID          `json:"countryId"`
	MaxPrice  decimal.Decimal `json:"maxPrice"`
	Provider  string          `json:"provider"`
}

type CancelRequest struct {
	NumberID string `json:"numberId" binding:"required"`
}

func (h *Handler) ListServices(c *gin.Context) {
	catalog, err := h.Catalog.Catalog(c.Request.Context(), c.Query("provider"), strings.TrimSpace(c.Query("country")))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"provider":  catalog.Provider,
		"services":  catalog.Services,
		"countries": catalog.Countries,
	})
}

// ActiveNumbers refreshes and lists the caller's numbers.
func (h *Handler) ActiveNumbers(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	rentals, err := h.Rentals.Poll(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(rentals, ""))
}

func (h *Handler) RentNumber(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req RentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.ServiceID == "" {
		badRequest(c, services.ErrServiceRequired.Error())
		return
	}
	if req.MaxPrice.IsNegative() {
		badRequest(c, "maxPrice must not be negative")
		return
	}

	rental, err := h.Rentals.Rent(c.Request.Context(), userID, services.RentRequest{
		Provider:  req.Provider,
		ServiceID: string(req.ServiceID),
		Country:   string(req.CountryID),
		MaxPrice:  req.MaxPrice,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(rental, "Number rented"))
}

func (h *Handler) CancelNumber(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "numberId is required")
		return
	}

	rental, err := h.Rentals.Cancel(c.Request.Context(), userID, strings.TrimSpace(req.NumberID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.NewSuccessResponse(rental, "Number cancelled and refunded"))
}
