package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"reseller-service/pkg/common"
)

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	balance, err := h.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, common.NewSuccessResponse(gin.H{
		"balance":  balance,
		"currency": "NGN",
	}, ""))
}

func (h *Handler) GetTransactions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	result, err := h.Ledger.History(c.Request.Context(), userID, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
