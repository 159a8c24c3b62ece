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
	"github.com/civicstack/fundtrace/internal/services/cache"
)

// PublicHandler serves the unauthenticated transparency views. Reads
// are cached briefly in Redis.
type PublicHandler struct {
	repo  *repository.SchemeRepository
	cache *cache.Cache
	log   *logrus.Logger
}

// NewPublicHandler creates a new public handler.
func NewPublicHandler(repo *repository.SchemeRepository, cc *cache.Cache, log *logrus.Logger) *PublicHandler {
	return &PublicHandler{repo: repo, cache: cc, log: log}
}

const publicCacheTTL = 60 * time.Second

// publicScheme is the citizen-facing scheme view.
type publicScheme struct {
	SchemeID            int64           `json:"schemeId"`
	Name                string          `json:"name"`
	TotalFunds          decimal.Decimal `json:"totalFunds"`
	UsedFunds           decimal.Decimal `json:"usedFunds"`
	RemainingFunds      decimal.Decimal `json:"remainingFunds"`
	UtilizationPercent  decimal.Decimal `json:"utilizationPercent"`
	EligibilityCriteria string          `json:"eligibilityCriteria"`
}

func toPublicScheme(s *models.Scheme) publicScheme {
	return publicScheme{
		SchemeID:            s.SchemeID,
		Name:                s.Name,
		TotalFunds:          s.TotalFunds,
		UsedFunds:           s.UsedFunds,
		RemainingFunds:      s.RemainingFunds(),
		UtilizationPercent:  s.UtilizationPercent(),
		EligibilityCriteria: s.EligibilityCriteria,
	}
}

// ListSchemes returns all schemes in the public view.
func (h *PublicHandler) ListSchemes(c *gin.Context) {
	var cached []publicScheme
	if h.cache.Get(c.Request.Context(), cache.KeyPublicSchemes, &cached) {
		c.JSON(http.StatusOK, gin.H{"schemes": cached, "count": len(cached)})
		return
	}

	schemes, err := h.repo.ListSchemes(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	view := make([]publicScheme, 0, len(schemes))
	for i := range schemes {
		view = append(view, toPublicScheme(&schemes[i]))
	}

	h.cache.Set(c.Request.Context(), cache.KeyPublicSchemes, view, publicCacheTTL)
	c.JSON(http.StatusOK, gin.H{"schemes": view, "count": len(view)})
}

// GetScheme returns one scheme in the public view.
func (h *PublicHandler) GetScheme(c *gin.Context) {
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
	c.JSON(http.StatusOK, toPublicScheme(scheme))
}

// ListTransactions returns recent settlements in the public view.
func (h *PublicHandler) ListTransactions(c *gin.Context) {
	var cached []models.Settlement
	if h.cache.Get(c.Request.Context(), cache.KeyPublicTransactions, &cached) {
		c.JSON(http.StatusOK, gin.H{"transactions": cached, "count": len(cached)})
		return
	}

	settlements, err := h.repo.ListSettlements(c.Request.Context(), models.SettlementFilter{Limit: 100})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}

	h.cache.Set(c.Request.Context(), cache.KeyPublicTransactions, settlements, publicCacheTTL)
	c.JSON(http.StatusOK, gin.H{"transactions": settlements, "count": len(settlements)})
}
