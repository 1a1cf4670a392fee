package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/ledger"
	"reseller-service/internal/middleware"
	"reseller-service/internal/providers"
	"reseller-service/internal/services"
	"reseller-service/pkg/common"
)

type Handler struct {
	Catalog  *services.CatalogService
	Rentals  *services.RentalService
	Ledger   *ledger.Ledger
	PocketFi *services.PocketFiService
}

func NewHandler(catalog *services.CatalogService, rentals *services.RentalService, l *ledger.Ledger, pocketfi *services.PocketFiService) *Handler {
	return &Handler{
		Catalog:  catalog,
		Rentals:  rentals,
		Ledger:   l,
		PocketFi: pocketfi,
	}
}

// RegisterRoutes mounts the public API on r.
func RegisterRoutes(r *gin.Engine, h *Handler, jwtSecret string) {
	api := r.Group("/api")

	numbers := api.Group("/numbers", middleware.Auth(jwtSecret))
	numbers.GET("/services", h.ListServices)
	numbers.GET("/active", h.ActiveNumbers)
	numbers.POST("/rent", h.RentNumber)
	numbers.POST("/cancel", h.CancelNumber)

	wallet := api.Group("/wallet", middleware.Auth(jwtSecret))
	wallet.GET("/balance", h.GetBalance)
	wallet.GET("/transactions", h.GetTransactions)

	api.POST("/pocketfi/webhook", h.PocketFiWebhook)
}

func requireUser(c *gin.Context) (int, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, common.NewErrorResponse("Unauthorized", http.StatusUnauthorized))
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, common.NewErrorResponse(message, http.StatusBadRequest))
}

// respondError maps a service error onto the failure envelope. Vendor
// details are logged, never returned.
func respondError(c *gin.Context, err error) {
	res := classify(err)
	if res.Status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	_ = c.Error(err)
	c.JSON(res.Status, res)
}

func classify(err error) common.ErrorResponse {
	var providerErr *providers.Error

	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return common.NewErrorResponse(ledger.ErrInsufficientBalance.Error(), http.StatusPaymentRequired)
	case errors.Is(err, services.ErrServiceRequired),
		errors.Is(err, services.ErrPriceAboveMax),
		errors.Is(err, providers.ErrInvalidService),
		errors.Is(err, providers.ErrUnknownProvider),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidPayload):
		return common.NewErrorResponse(err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrInvalidSignature):
		return common.NewErrorResponse("Invalid signature", http.StatusForbidden)
	case errors.Is(err, services.ErrRentalNotFound):
		return common.NewErrorResponse("Number not found", http.StatusNotFound)
	case errors.Is(err, services.ErrUserNotFound), errors.Is(err, ledger.ErrUserNotFound):
		return common.NewErrorResponse("User not found", http.StatusNotFound)
	case errors.Is(err, services.ErrRentalNotActive):
		return common.NewErrorResponse("Number is no longer active", http.StatusConflict)
	case errors.Is(err, providers.ErrUnavailable):
		return common.NewErrorResponse("No numbers available for this service, try again later", http.StatusConflict)
	case errors.As(err, &providerErr):
		return common.NewErrorResponse("Number provider error, please try again", http.StatusBadGateway)
	default:
		return common.NewErrorResponse("Internal server error", http.StatusInternalServerError)
	}
}
