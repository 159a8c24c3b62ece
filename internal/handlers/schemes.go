package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/ledger"
	"github.com/civicstack/fundtrace/internal/middleware"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/internal/services/cache"
)

// SchemeHandler handles scheme registration, fund usage and scheme
// reads. Writes go through the ledger mirror; reads prefer the chain
// and fall back to the store.
type SchemeHandler struct {
	mirror *ledger.Mirror
	chain  ledger.Client
	repo   *repository.SchemeRepository
	cache  *cache.Cache
	log    *logrus.Logger
}

// NewSchemeHandler creates a new scheme handler.
func NewSchemeHandler(mirror *ledger.Mirror, chain ledger.Client, repo *repository.SchemeRepository, cc *cache.Cache, log *logrus.Logger) *SchemeHandler {
	return &SchemeHandler{mirror: mirror, chain: chain, repo: repo, cache: cc, log: log}
}

// RegisterSchemeRequest is the scheme creation payload.
type RegisterSchemeRequest struct {
	Name                string          `json:"name" binding:"required"`
	TotalFunds          decimal.Decimal `json:"totalFunds" binding:"required"`
	EligibilityCriteria string          `json:"eligibilityCriteria"`
}

// Register creates a new scheme.
func (h *SchemeHandler) Register(c *gin.Context) {
	var req RegisterSchemeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.mirror.RegisterScheme(c.Request.Context(), req.Name, req.TotalFunds, req.EligibilityCriteria)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.invalidatePublicViews(c)
	c.JSON(http.StatusCreated, result)
}

// UsageRequest is the fund usage payload.
type UsageRequest struct {
	Amount  decimal.Decimal `json:"amount" binding:"required"`
	Purpose string          `json:"purpose"`
}

// ApplyUsage settles a fund usage against a scheme.
func (h *SchemeHandler) ApplyUsage(c *gin.Context) {
	schemeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheme id"})
		return
	}

	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	executor := middleware.GetOrganization(c)
	if executor == "" {
		executor = middleware.GetEmail(c)
	}

	result, err := h.mirror.ApplyFundUsage(c.Request.Context(), schemeID, req.Amount, executor, req.Purpose)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.invalidatePublicViews(c)
	c.JSON(http.StatusOK, result)
}

// List returns all schemes from the fallback store.
func (h *SchemeHandler) List(c *gin.Context) {
	schemes, err := h.repo.ListSchemes(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if schemes == nil {
		schemes = []models.Scheme{}
	}
	c.JSON(http.StatusOK, gin.H{"schemes": schemes, "count": len(schemes)})
}

// Get returns one scheme. The ledger snapshot is preferred when the
// chain is reachable; otherwise the store copy is served.
func (h *SchemeHandler) Get(c *gin.Context) {
	schemeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheme id"})
		return
	}

	stored, err := h.repo.GetScheme(c.Request.Context(), schemeID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	if h.chain != nil {
		if snap, cerr := h.chain.GetScheme(c.Request.Context(), schemeID); cerr == nil {
			c.JSON(http.StatusOK, h.mergeSnapshot(snap, stored))
			return
		} else if stored == nil {
			h.log.WithError(cerr).WithField("scheme_id", schemeID).Debug("ledger read failed, no store copy")
		}
	}

	if stored == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheme not found"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

// mergeSnapshot serves the on-chain balances over the stored metadata.
func (h *SchemeHandler) mergeSnapshot(snap *ledger.SchemeSnapshot, stored *models.Scheme) *models.Scheme {
	merged := &models.Scheme{
		SchemeID:   snap.ID,
		Name:       snap.Name,
		TotalFunds: decimal.NewFromBigInt(snap.TotalFunds, 0),
		UsedFunds:  decimal.NewFromBigInt(snap.UsedFunds, 0),
		SyncState:  models.SyncLedgerAuthoritative,
	}
	if stored != nil {
		merged.EligibilityCriteria = stored.EligibilityCriteria
		merged.SyncState = stored.SyncState
		merged.CreatedAt = stored.CreatedAt
		merged.UpdatedAt = stored.UpdatedAt
	}
	return merged
}

// Transactions returns a scheme's settlement history.
func (h *SchemeHandler) Transactions(c *gin.Context) {
	schemeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scheme id"})
		return
	}

	scheme, err := h.repo.GetScheme(c.Request.Context(), schemeID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if scheme == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheme not found"})
		return
	}

	settlements, err := h.repo.ListSettlements(c.Request.Context(), models.SettlementFilter{SchemeID: &schemeID})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}
	c.JSON(http.StatusOK, gin.H{"schemeId": schemeID, "transactions": settlements, "count": len(settlements)})
}

func (h *SchemeHandler) invalidatePublicViews(c *gin.Context) {
	h.cache.Invalidate(c.Request.Context(), cache.KeyPublicSchemes, cache.KeyPublicTransactions)
}
