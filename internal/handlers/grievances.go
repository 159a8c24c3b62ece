package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/middleware"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/pkg/messaging"
)

// GrievanceStore is the persistence surface the grievance handler
// needs. *repository.GrievanceRepository implements it.
type GrievanceStore interface {
	Create(ctx context.Context, g *models.Grievance) error
	GetByID(ctx context.Context, grievanceID string) (*models.Grievance, error)
	List(ctx context.Context, f models.GrievanceFilter) ([]models.Grievance, error)
	UpdateStatus(ctx context.Context, grievanceID string, status models.GrievanceStatus, reviewer, notes string) error
}

// SchemeGetter looks up a scheme by id. *repository.SchemeRepository
// implements it.
type SchemeGetter interface {
	GetScheme(ctx context.Context, schemeID int64) (*models.Scheme, error)
}

// GrievanceHandler handles citizen grievance submission and review.
type GrievanceHandler struct {
	repo    GrievanceStore
	schemes SchemeGetter
	docs    DocumentStore
	events  *messaging.Publisher
	log     *logrus.Logger
}

// NewGrievanceHandler creates a new grievance handler.
func NewGrievanceHandler(repo GrievanceStore, schemes SchemeGetter, docs DocumentStore, events *messaging.Publisher, log *logrus.Logger) *GrievanceHandler {
	return &GrievanceHandler{repo: repo, schemes: schemes, docs: docs, events: events, log: log}
}

// SubmitGrievanceRequest is the grievance submission payload.
type SubmitGrievanceRequest struct {
	SchemeID        *int64                   `json:"schemeId"`
	Category        models.GrievanceCategory `json:"category" binding:"required"`
	Title           string                   `json:"title" binding:"required"`
	Description     string                   `json:"description" binding:"required"`
	Location        string                   `json:"location"`
	BeneficiaryName string                   `json:"beneficiaryName"`
	ContactEmail    string                   `json:"contactEmail"`
	ContactPhone    string                   `json:"contactPhone"`
}

func parseGrievanceForm(c *gin.Context) SubmitGrievanceRequest {
	req := SubmitGrievanceRequest{
		Category:        models.GrievanceCategory(c.PostForm("category")),
		Title:           c.PostForm("title"),
		Description:     c.PostForm("description"),
		Location:        c.PostForm("location"),
		BeneficiaryName: c.PostForm("beneficiaryName"),
		ContactEmail:    c.PostForm("contactEmail"),
		ContactPhone:    c.PostForm("contactPhone"),
	}
	if v := c.PostForm("schemeId"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			req.SchemeID = &id
		}
	}
	return req
}

// Submit files a grievance. Authentication is optional; anonymous
// submissions are allowed. Accepts JSON, or a multipart form with
// evidence under the "documents" field.
func (h *GrievanceHandler) Submit(c *gin.Context) {
	var req SubmitGrievanceRequest
	var uploaded []models.Document

	if isMultipart(c) {
		req = parseGrievanceForm(c)
		if req.Title == "" || req.Description == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title and description are required"})
			return
		}
		var err error
		if uploaded, err = uploadFormFiles(c, h.docs, "grievances", "documents"); err != nil {
			respondError(c, h.log, err)
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !models.ValidGrievanceCategory(req.Category) {
		deleteDocuments(c.Request.Context(), h.docs, uploaded, h.log)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grievance category"})
		return
	}

	schemeName := ""
	if req.SchemeID != nil {
		scheme, err := h.schemes.GetScheme(c.Request.Context(), *req.SchemeID)
		if err != nil {
			deleteDocuments(c.Request.Context(), h.docs, uploaded, h.log)
			respondError(c, h.log, err)
			return
		}
		if scheme == nil {
			deleteDocuments(c.Request.Context(), h.docs, uploaded, h.log)
			c.JSON(http.StatusNotFound, gin.H{"error": "scheme not found"})
			return
		}
		schemeName = scheme.Name
	}

	now := time.Now()
	g := &models.Grievance{
		GrievanceID:         models.NewGrievanceID(),
		SchemeID:            req.SchemeID,
		SchemeName:          schemeName,
		Category:            req.Category,
		Title:               req.Title,
		Description:         req.Description,
		Location:            req.Location,
		BeneficiaryName:     req.BeneficiaryName,
		ContactEmail:        req.ContactEmail,
		ContactPhone:        req.ContactPhone,
		Status:              models.GrievancePending,
		SubmittedBy:         middleware.GetEmail(c),
		SupportingDocuments: uploaded,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := h.repo.Create(c.Request.Context(), g); err != nil {
		deleteDocuments(c.Request.Context(), h.docs, uploaded, h.log)
		respondError(c, h.log, err)
		return
	}

	h.events.Publish(c.Request.Context(), messaging.EventGrievanceSubmitted, messaging.GrievanceEvent{
		GrievanceID: g.GrievanceID,
		Category:    string(g.Category),
		Status:      string(g.Status),
		Timestamp:   now,
	})
	c.JSON(http.StatusCreated, g)
}

// List returns grievances matching the query filters.
func (h *GrievanceHandler) List(c *gin.Context) {
	filter := models.GrievanceFilter{
		Status:   models.GrievanceStatus(c.Query("status")),
		Category: models.GrievanceCategory(c.Query("category")),
		Search:   c.Query("search"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	grievances, err := h.repo.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if grievances == nil {
		grievances = []models.Grievance{}
	}
	c.JSON(http.StatusOK, gin.H{"grievances": grievances, "count": len(grievances)})
}

// Get returns one grievance by id.
func (h *GrievanceHandler) Get(c *gin.Context) {
	g, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "grievance not found"})
		return
	}
	c.JSON(http.StatusOK, g)
}

// ReviewRequest is the grievance review payload.
type ReviewRequest struct {
	Status models.GrievanceStatus `json:"status" binding:"required"`
	Notes  string                 `json:"notes"`
}

// Review updates a grievance's review state.
func (h *GrievanceHandler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !models.ValidGrievanceStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grievance status"})
		return
	}

	grievanceID := c.Param("id")
	if err := h.repo.UpdateStatus(c.Request.Context(), grievanceID, req.Status, middleware.GetEmail(c), req.Notes); err != nil {
		respondError(c, h.log, err)
		return
	}

	g, err := h.repo.GetByID(c.Request.Context(), grievanceID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "grievance not found"})
		return
	}

	h.events.Publish(c.Request.Context(), messaging.EventGrievanceUpdated, messaging.GrievanceEvent{
		GrievanceID: grievanceID,
		Category:    string(g.Category),
		Status:      string(req.Status),
		Timestamp:   time.Now(),
	})
	c.JSON(http.StatusOK, g)
}
