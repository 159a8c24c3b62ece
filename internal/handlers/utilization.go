package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/middleware"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/internal/services/utilization"
)

// DocumentStore is the object-storage surface the handlers need.
// *documents.Store implements it.
type DocumentStore interface {
	Upload(ctx context.Context, ownerKey, filename, contentType string, reader io.Reader, size int64) (*models.Document, error)
	Download(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageKey string) error
	PresignedURL(ctx context.Context, storageKey string, expiry time.Duration) (string, error)
}

// UtilizationHandler exposes the utilization request workflow.
type UtilizationHandler struct {
	svc  *utilization.Service
	docs DocumentStore
	log  *logrus.Logger
}

// NewUtilizationHandler creates a new utilization handler.
func NewUtilizationHandler(svc *utilization.Service, docs DocumentStore, log *logrus.Logger) *UtilizationHandler {
	return &UtilizationHandler{svc: svc, docs: docs, log: log}
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// uploadFormFiles stores every file under the named multipart field.
// On a failed upload, files already stored are removed.
func uploadFormFiles(c *gin.Context, docs DocumentStore, ownerKey, field string) ([]models.Document, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, apperr.Validationf("invalid multipart form: %v", err)
	}

	var uploaded []models.Document
	for _, header := range form.File[field] {
		f, err := header.Open()
		if err != nil {
			deleteDocuments(c.Request.Context(), docs, uploaded, nil)
			return nil, apperr.Validationf("failed to read %s: %v", header.Filename, err)
		}
		doc, err := docs.Upload(c.Request.Context(), ownerKey,
			header.Filename, header.Header.Get("Content-Type"), f, header.Size)
		f.Close()
		if err != nil {
			deleteDocuments(c.Request.Context(), docs, uploaded, nil)
			return nil, err
		}
		uploaded = append(uploaded, *doc)
	}
	return uploaded, nil
}

// deleteDocuments removes uploaded objects after a failed operation so
// they are not orphaned.
func deleteDocuments(ctx context.Context, docs DocumentStore, list []models.Document, log *logrus.Logger) {
	for i := range list {
		if err := docs.Delete(ctx, list[i].StorageKey); err != nil && log != nil {
			log.WithError(err).WithField("storage_key", list[i].StorageKey).Warn("failed to clean up orphaned upload")
		}
	}
}

// SubmitRequest is the utilization request payload.
type SubmitRequest struct {
	SchemeID    int64           `json:"schemeId" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Purpose     string          `json:"purpose" binding:"required"`
	Description string          `json:"description"`
}

func parseSubmitForm(c *gin.Context) (SubmitRequest, error) {
	var req SubmitRequest
	schemeID, err := strconv.ParseInt(c.PostForm("schemeId"), 10, 64)
	if err != nil {
		return req, fmt.Errorf("invalid schemeId")
	}
	amount, err := decimal.NewFromString(c.PostForm("amount"))
	if err != nil {
		return req, fmt.Errorf("invalid amount")
	}
	req.SchemeID = schemeID
	req.Amount = amount
	req.Purpose = c.PostForm("purpose")
	req.Description = c.PostForm("description")
	return req, nil
}

// Submit files a new utilization request for the caller's agency.
// Accepts JSON, or a multipart form with supporting documents under
// the "documents" field.
func (h *UtilizationHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	var uploaded []models.Document

	if isMultipart(c) {
		var err error
		if req, err = parseSubmitForm(c); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if uploaded, err = uploadFormFiles(c, h.docs, "requests", "documents"); err != nil {
			respondError(c, h.log, err)
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.svc.Submit(c.Request.Context(), middleware.GetOrganization(c), middleware.GetEmail(c), utilization.SubmitInput{
		SchemeID:            req.SchemeID,
		Amount:              req.Amount,
		Purpose:             req.Purpose,
		Description:         req.Description,
		SupportingDocuments: uploaded,
	})
	if err != nil {
		deleteDocuments(c.Request.Context(), h.docs, uploaded, h.log)
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// List returns requests visible to the caller.
func (h *UtilizationHandler) List(c *gin.Context) {
	filter := repository.RequestFilter{
		Status: models.RequestStatus(c.Query("status")),
		Agency: c.Query("agency"),
	}
	requests, err := h.svc.List(c.Request.Context(), middleware.GetRole(c), middleware.GetOrganization(c), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if requests == nil {
		requests = []models.UtilizationRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

// Get returns one request, org-scoped.
func (h *UtilizationHandler) Get(c *gin.Context) {
	req, err := h.svc.Get(c.Request.Context(), c.Param("id"), middleware.GetRole(c), middleware.GetOrganization(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// Approve settles and approves a pending request.
func (h *UtilizationHandler) Approve(c *gin.Context) {
	req, err := h.svc.Approve(c.Request.Context(), c.Param("id"), middleware.GetEmail(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// RejectRequest is the rejection payload.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject declines a pending request.
func (h *UtilizationHandler) Reject(c *gin.Context) {
	var body RejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.svc.Reject(c.Request.Context(), c.Param("id"), middleware.GetEmail(c), body.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// ExpenditureRequest is the expenditure payload.
type ExpenditureRequest struct {
	Activity        string                     `json:"activity" binding:"required"`
	Description     string                     `json:"description"`
	Amount          decimal.Decimal            `json:"amount" binding:"required"`
	Category        models.ExpenditureCategory `json:"category"`
	Vendor          string                     `json:"vendor"`
	BillNumber      string                     `json:"billNumber"`
	ExpenditureDate *time.Time                 `json:"expenditureDate"`
}

func parseExpenditureForm(c *gin.Context) (ExpenditureRequest, error) {
	var body ExpenditureRequest
	amount, err := decimal.NewFromString(c.PostForm("amount"))
	if err != nil {
		return body, fmt.Errorf("invalid amount")
	}
	body.Amount = amount
	body.Activity = c.PostForm("activity")
	body.Description = c.PostForm("description")
	body.Category = models.ExpenditureCategory(c.PostForm("category"))
	body.Vendor = c.PostForm("vendor")
	body.BillNumber = c.PostForm("billNumber")
	if v := c.PostForm("expenditureDate"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			return body, fmt.Errorf("invalid expenditureDate")
		}
		body.ExpenditureDate = &t
	}
	return body, nil
}

// RecordExpenditure adds a spend to a request. Accepts JSON, or a
// multipart form with the bill under the "bill" field.
func (h *UtilizationHandler) RecordExpenditure(c *gin.Context) {
	requestID := c.Param("id")
	var body ExpenditureRequest
	var bill *models.Document

	if isMultipart(c) {
		var err error
		if body, err = parseExpenditureForm(c); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if file, header, ferr := c.Request.FormFile("bill"); ferr == nil {
			bill, err = h.docs.Upload(c.Request.Context(), "bills/"+requestID,
				header.Filename, header.Header.Get("Content-Type"), file, header.Size)
			file.Close()
			if err != nil {
				respondError(c, h.log, err)
				return
			}
		}
	} else if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := utilization.ExpenditureInput{
		Activity:     body.Activity,
		Description:  body.Description,
		Amount:       body.Amount,
		Category:     body.Category,
		Vendor:       body.Vendor,
		BillNumber:   body.BillNumber,
		BillDocument: bill,
	}
	if body.ExpenditureDate != nil {
		in.ExpenditureDate = *body.ExpenditureDate
	}

	rec, err := h.svc.RecordExpenditure(c.Request.Context(), requestID,
		middleware.GetRole(c), middleware.GetOrganization(c), middleware.GetEmail(c), in)
	if err != nil {
		if bill != nil {
			deleteDocuments(c.Request.Context(), h.docs, []models.Document{*bill}, h.log)
		}
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListExpenditures returns a request's expenditures.
func (h *UtilizationHandler) ListExpenditures(c *gin.Context) {
	records, err := h.svc.ListExpenditures(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if records == nil {
		records = []models.ExpenditureRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"expenditures": records, "count": len(records)})
}

// UploadProof attaches a proof-of-work file to a request. Multipart
// form: file, proofType, title, description, location,
// workCompletionDate (RFC 3339).
func (h *UtilizationHandler) UploadProof(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	defer file.Close()

	requestID := c.Param("id")
	doc, err := h.docs.Upload(c.Request.Context(), "proofs/"+requestID,
		header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	in := utilization.ProofInput{
		ProofType:   models.ProofType(c.PostForm("proofType")),
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Location:    c.PostForm("location"),
		File:        *doc,
	}
	if v := c.PostForm("workCompletionDate"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workCompletionDate"})
			return
		}
		in.WorkCompletionDate = t
	}

	proof, err := h.svc.AddProof(c.Request.Context(), requestID,
		middleware.GetRole(c), middleware.GetOrganization(c), middleware.GetEmail(c), in)
	if err != nil {
		deleteDocuments(c.Request.Context(), h.docs, []models.Document{*doc}, h.log)
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, proof)
}

// ListProofs returns a request's proofs of work.
func (h *UtilizationHandler) ListProofs(c *gin.Context) {
	proofs, err := h.svc.ListProofs(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if proofs == nil {
		proofs = []models.ProofOfWork{}
	}
	c.JSON(http.StatusOK, gin.H{"proofs": proofs, "count": len(proofs)})
}

// DownloadDocument serves an attached document by storage key, scoped
// to the request it belongs to. With presign=true a time-limited URL is
// returned instead of the file body.
func (h *UtilizationHandler) DownloadDocument(c *gin.Context) {
	doc, err := h.svc.FindDocument(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c), c.Query("key"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	if c.Query("presign") == "true" {
		url, err := h.docs.PresignedURL(c.Request.Context(), doc.StorageKey, 15*time.Minute)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url, "fileName": doc.FileName})
		return
	}

	rc, err := h.docs.Download(c.Request.Context(), doc.StorageKey)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, doc.FileSize, doc.FileType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", doc.FileName),
	})
}

// Complete marks an in-progress request as completed.
func (h *UtilizationHandler) Complete(c *gin.Context) {
	req, err := h.svc.Complete(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// GenerateCertificate creates (or returns) the certificate for a
// completed request.
func (h *UtilizationHandler) GenerateCertificate(c *gin.Context) {
	cert, err := h.svc.GenerateCertificate(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c), middleware.GetEmail(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// GetCertificate returns the certificate for a request.
func (h *UtilizationHandler) GetCertificate(c *gin.Context) {
	cert, err := h.svc.GetCertificate(c.Request.Context(), c.Param("id"),
		middleware.GetRole(c), middleware.GetOrganization(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}
