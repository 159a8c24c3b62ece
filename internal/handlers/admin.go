package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/ledger"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
)

// AdminHandler serves the admin dashboard and operational endpoints.
type AdminHandler struct {
	schemes    *repository.SchemeRepository
	users      *repository.UserRepository
	reconciler *ledger.Reconciler
	log        *logrus.Logger
}

// NewAdminHandler creates a new admin handler. reconciler may be nil
// when no ledger is configured.
func NewAdminHandler(schemes *repository.SchemeRepository, users *repository.UserRepository, reconciler *ledger.Reconciler, log *logrus.Logger) *AdminHandler {
	return &AdminHandler{schemes: schemes, users: users, reconciler: reconciler, log: log}
}

// Stats returns aggregate scheme and settlement figures.
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.schemes.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Reconcile runs a reconciliation pass on demand.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no ledger configured"})
		return
	}

	result, err := h.reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PendingSync lists schemes still waiting to be replayed onto the
// ledger.
func (h *AdminHandler) PendingSync(c *gin.Context) {
	schemes, err := h.schemes.ListSchemesBySyncState(c.Request.Context(), models.SyncFallbackOnly)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if schemes == nil {
		schemes = []models.Scheme{}
	}
	c.JSON(http.StatusOK, gin.H{"schemes": schemes, "count": len(schemes)})
}

// ListUsers returns registered accounts with pagination.
func (h *AdminHandler) ListUsers(c *gin.Context) {
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	users, err := h.users.ListAll(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}
