package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/internal/services/reports"
)

// ReportHandler serves downloadable scheme and transaction reports.
type ReportHandler struct {
	repo *repository.SchemeRepository
	log  *logrus.Logger
}

// NewReportHandler creates a new report handler.
func NewReportHandler(repo *repository.SchemeRepository, log *logrus.Logger) *ReportHandler {
	return &ReportHandler{repo: repo, log: log}
}

// Schemes renders the scheme roster as csv or json.
func (h *ReportHandler) Schemes(c *gin.Context) {
	format, err := reports.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schemes, err := h.repo.ListSchemes(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	body, err := reports.SchemesReport(schemes, format)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	serveReport(c, "schemes", format, body)
}

// Transactions renders the settlement history as csv or json.
func (h *ReportHandler) Transactions(c *gin.Context) {
	format, err := reports.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

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

	body, err := reports.SettlementsReport(settlements, format)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	serveReport(c, "transactions", format, body)
}

func serveReport(c *gin.Context, name string, format reports.Format, body []byte) {
	filename := fmt.Sprintf("%s-%s.%s", name, time.Now().Format("2006-01-02"), format)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, format.ContentType(), body)
}
