package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
)

// TransactionHandler serves the settlement history across schemes.
type TransactionHandler struct {
	repo *repository.SchemeRepository
	log  *logrus.Logger
}

// NewTransactionHandler creates a new transaction handler.
func NewTransactionHandler(repo *repository.SchemeRepository, log *logrus.Logger) *TransactionHandler {
	return &TransactionHandler{repo: repo, log: log}
}

// List returns settlements matching the query filters.
func (h *TransactionHandler) List(c *gin.Context) {
	filter, err := parseSettlementFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settlements, err := h.repo.ListSettlements(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": settlements, "count": len(settlements)})
}

// Get returns a single settlement by id.
func (h *TransactionHandler) Get(c *gin.Context) {
	settlement, err := h.repo.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if settlement == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func parseSettlementFilter(c *gin.Context) (models.SettlementFilter, error) {
	var f models.SettlementFilter

	if v := c.Query("schemeId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, err
		}
		f.SchemeID = &id
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.FromDate = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.ToDate = &t
	}
	if v := c.Query("minAmount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, err
		}
		f.MinAmount = &d
	}
	if v := c.Query("maxAmount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, err
		}
		f.MaxAmount = &d
	}
	f.Search = c.Query("search")
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}
