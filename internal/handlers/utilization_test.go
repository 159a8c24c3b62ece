package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/ledger"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/internal/services/utilization"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func identity(role models.Role, org, email string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("role", role)
		c.Set("organization", org)
		c.Set("email", email)
	}
}

type fakeDocStore struct {
	objects    map[string][]byte
	deleted    []string
	failUpload bool
	seq        int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{objects: make(map[string][]byte)}
}

func (f *fakeDocStore) Upload(_ context.Context, ownerKey, filename, contentType string, reader io.Reader, size int64) (*models.Document, error) {
	if f.failUpload {
		return nil, apperr.ErrStoreUnavailable
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	f.seq++
	key := fmt.Sprintf("%s/%d/%s", ownerKey, f.seq, filename)
	f.objects[key] = data
	return &models.Document{
		FileName:   filename,
		StorageKey: key,
		FileType:   contentType,
		FileSize:   size,
		UploadedAt: time.Now(),
	}, nil
}

func (f *fakeDocStore) Download(_ context.Context, storageKey string) (io.ReadCloser, error) {
	data, ok := f.objects[storageKey]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeDocStore) Delete(_ context.Context, storageKey string) error {
	delete(f.objects, storageKey)
	f.deleted = append(f.deleted, storageKey)
	return nil
}

func (f *fakeDocStore) PresignedURL(_ context.Context, storageKey string, _ time.Duration) (string, error) {
	if _, ok := f.objects[storageKey]; !ok {
		return "", apperr.ErrNotFound
	}
	return "https://files.example.gov/" + storageKey, nil
}

// memRequestStore is a minimal in-memory utilization.RequestStore.
type memRequestStore struct {
	requests     map[string]*models.UtilizationRequest
	expenditures map[string][]models.ExpenditureRecord
	proofs       map[string][]models.ProofOfWork
	certificates map[string]*models.UtilizationCertificate
}

func newMemRequestStore() *memRequestStore {
	return &memRequestStore{
		requests:     make(map[string]*models.UtilizationRequest),
		expenditures: make(map[string][]models.ExpenditureRecord),
		proofs:       make(map[string][]models.ProofOfWork),
		certificates: make(map[string]*models.UtilizationCertificate),
	}
}

func (m *memRequestStore) CreateRequest(_ context.Context, req *models.UtilizationRequest) error {
	cp := *req
	m.requests[req.RequestID] = &cp
	return nil
}

func (m *memRequestStore) GetRequest(_ context.Context, requestID string) (*models.UtilizationRequest, error) {
	req, ok := m.requests[requestID]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (m *memRequestStore) ListRequests(_ context.Context, f repository.RequestFilter) ([]models.UtilizationRequest, error) {
	var out []models.UtilizationRequest
	for _, req := range m.requests {
		if f.Agency != "" && req.RequestingAgency != f.Agency {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (m *memRequestStore) UpdateRequestStatus(_ context.Context, requestID string, from, to models.RequestStatus, set func(*repository.RequestUpdate)) error {
	req, ok := m.requests[requestID]
	if !ok {
		return apperr.ErrNotFound
	}
	if req.Status != from {
		return fmt.Errorf("%w: request %s is %s, expected %s",
			apperr.ErrInvalidTransition, requestID, req.Status, from)
	}
	upd := &repository.RequestUpdate{}
	if set != nil {
		set(upd)
	}
	req.Status = to
	if upd.ApprovedBy != nil {
		req.ApprovedBy = upd.ApprovedBy
	}
	if upd.RejectionReason != nil {
		req.RejectionReason = upd.RejectionReason
	}
	if upd.SettlementID != nil {
		req.SettlementID = upd.SettlementID
	}
	if upd.CompletionDate != nil {
		req.CompletionDate = upd.CompletionDate
	}
	return nil
}

func (m *memRequestStore) AddExpenditure(_ context.Context, e *models.ExpenditureRecord) error {
	req, ok := m.requests[e.RequestID]
	if !ok {
		return apperr.ErrNotFound
	}
	if !req.CanRecordExpenditure() {
		return fmt.Errorf("%w: request %s is %s", apperr.ErrInvalidTransition, e.RequestID, req.Status)
	}
	if req.TotalExpenditure.Add(e.Amount).GreaterThan(req.Amount) {
		return apperr.Validationf("expenditure %s would exceed approved amount %s (spent %s)",
			e.Amount.String(), req.Amount.String(), req.TotalExpenditure.String())
	}
	m.expenditures[e.RequestID] = append(m.expenditures[e.RequestID], *e)
	req.TotalExpenditure = req.TotalExpenditure.Add(e.Amount)
	if req.Status == models.StatusApproved {
		req.Status = models.StatusInProgress
	}
	return nil
}

func (m *memRequestStore) ListExpenditures(_ context.Context, requestID string) ([]models.ExpenditureRecord, error) {
	return m.expenditures[requestID], nil
}

func (m *memRequestStore) AddProof(_ context.Context, p *models.ProofOfWork) error {
	m.proofs[p.RequestID] = append(m.proofs[p.RequestID], *p)
	return nil
}

func (m *memRequestStore) ListProofs(_ context.Context, requestID string) ([]models.ProofOfWork, error) {
	return m.proofs[requestID], nil
}

func (m *memRequestStore) CreateCertificate(_ context.Context, c *models.UtilizationCertificate) (bool, error) {
	if _, exists := m.certificates[c.RequestID]; exists {
		return false, nil
	}
	cp := *c
	m.certificates[c.RequestID] = &cp
	return true, nil
}

func (m *memRequestStore) GetCertificate(_ context.Context, requestID string) (*models.UtilizationCertificate, error) {
	cert, ok := m.certificates[requestID]
	if !ok {
		return nil, nil
	}
	cp := *cert
	return &cp, nil
}

type memSchemes struct {
	schemes map[int64]*models.Scheme
}

func (m *memSchemes) GetScheme(_ context.Context, schemeID int64) (*models.Scheme, error) {
	s, ok := m.schemes[schemeID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

type okSettler struct{}

func (okSettler) ApplyFundUsage(context.Context, int64, decimal.Decimal, string, string) (*ledger.UsageResult, error) {
	return &ledger.UsageResult{
		SettlementID:      models.LedgerID("0xabc123"),
		AppliedToLedger:   true,
		AppliedToFallback: true,
	}, nil
}

func utilizationTestRouter(role models.Role, org string) (*gin.Engine, *memRequestStore, *fakeDocStore) {
	gin.SetMode(gin.TestMode)

	store := newMemRequestStore()
	schemes := &memSchemes{schemes: map[int64]*models.Scheme{
		1: {SchemeID: 1, Name: "Rural Roads", TotalFunds: decimal.NewFromInt(10000)},
	}}
	docs := newFakeDocStore()
	svc := utilization.NewService(store, schemes, okSettler{}, nil, testLogger())
	h := NewUtilizationHandler(svc, docs, testLogger())

	r := gin.New()
	r.Use(identity(role, org, "officer@agency.example.gov"))
	r.POST("/requests", h.Submit)
	r.POST("/requests/:id/expenditures", h.RecordExpenditure)
	r.GET("/requests/:id/documents", h.DownloadDocument)
	return r, store, docs
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for field, names := range files {
		for _, name := range names {
			fw, err := w.CreateFormFile(field, name)
			require.NoError(t, err)
			_, err = fw.Write([]byte("contents of " + name))
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func seedStoredRequest(store *memRequestStore, agency string, status models.RequestStatus, amount int64) *models.UtilizationRequest {
	req := &models.UtilizationRequest{
		RequestID:        models.NewRequestID(),
		SchemeID:         1,
		RequestingAgency: agency,
		Amount:           decimal.NewFromInt(amount),
		Purpose:          "Road resurfacing",
		Status:           status,
		TotalExpenditure: decimal.Zero,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	store.requests[req.RequestID] = req
	return req
}

func TestSubmitMultipartStoresSupportingDocuments(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")

	body, contentType := multipartBody(t,
		map[string]string{"schemeId": "1", "amount": "500", "purpose": "Road resurfacing"},
		map[string][]string{"documents": {"estimate.pdf", "sanction.pdf"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/requests", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.UtilizationRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.SupportingDocuments, 2)
	assert.Equal(t, "estimate.pdf", created.SupportingDocuments[0].FileName)

	stored := store.requests[created.RequestID]
	require.NotNil(t, stored)
	assert.Len(t, stored.SupportingDocuments, 2)
	for _, doc := range created.SupportingDocuments {
		assert.Contains(t, docs.objects, doc.StorageKey)
	}
}

func TestSubmitMultipartCleansUpUploadsOnFailure(t *testing.T) {
	r, _, docs := utilizationTestRouter(models.RoleAgency, "Water Board")

	body, contentType := multipartBody(t,
		map[string]string{"schemeId": "99", "amount": "500", "purpose": "Road resurfacing"},
		map[string][]string{"documents": {"estimate.pdf"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/requests", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, docs.objects)
	assert.Len(t, docs.deleted, 1)
}

func TestRecordExpenditureMultipartBill(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")
	seeded := seedStoredRequest(store, "Water Board", models.StatusApproved, 500)

	body, contentType := multipartBody(t,
		map[string]string{"amount": "200", "activity": "Pipe laying", "billNumber": "INV-42"},
		map[string][]string{"bill": {"invoice.pdf"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/requests/"+seeded.RequestID+"/expenditures", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec models.ExpenditureRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.BillDocument)
	assert.Equal(t, "invoice.pdf", rec.BillDocument.FileName)
	assert.Contains(t, docs.objects, rec.BillDocument.StorageKey)
}

func TestRecordExpenditureCleansUpBillOnFailure(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")
	seeded := seedStoredRequest(store, "Water Board", models.StatusPending, 500)

	body, contentType := multipartBody(t,
		map[string]string{"amount": "200", "activity": "Pipe laying"},
		map[string][]string{"bill": {"invoice.pdf"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/requests/"+seeded.RequestID+"/expenditures", body)
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, docs.objects)
}

func TestDownloadDocument(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")
	seeded := seedStoredRequest(store, "Water Board", models.StatusInProgress, 500)

	docs.objects["requests/1/estimate.pdf"] = []byte("estimate body")
	seeded.SupportingDocuments = []models.Document{{
		FileName:   "estimate.pdf",
		StorageKey: "requests/1/estimate.pdf",
		FileType:   "application/pdf",
		FileSize:   int64(len("estimate body")),
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/requests/"+seeded.RequestID+"/documents?key=requests/1/estimate.pdf", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "estimate body", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "estimate.pdf")
}

func TestDownloadDocumentPresigned(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")
	seeded := seedStoredRequest(store, "Water Board", models.StatusInProgress, 500)

	docs.objects["requests/1/estimate.pdf"] = []byte("estimate body")
	seeded.SupportingDocuments = []models.Document{{
		FileName:   "estimate.pdf",
		StorageKey: "requests/1/estimate.pdf",
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/requests/"+seeded.RequestID+"/documents?key=requests/1/estimate.pdf&presign=true", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://files.example.gov/requests/1/estimate.pdf", resp["url"])
	assert.Equal(t, "estimate.pdf", resp["fileName"])
}

func TestDownloadDocumentUnknownKey(t *testing.T) {
	r, store, docs := utilizationTestRouter(models.RoleAgency, "Water Board")
	seeded := seedStoredRequest(store, "Water Board", models.StatusInProgress, 500)
	docs.objects["requests/1/other.pdf"] = []byte("someone else's file")

	// A key not attached to this request is indistinguishable from a
	// missing one, even when the object exists in storage.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/requests/"+seeded.RequestID+"/documents?key=requests/1/other.pdf", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadDocumentForeignAgency(t *testing.T) {
	r, store, _ := utilizationTestRouter(models.RoleAgency, "Roads Authority")
	seeded := seedStoredRequest(store, "Water Board", models.StatusInProgress, 500)
	seeded.SupportingDocuments = []models.Document{{
		FileName:   "estimate.pdf",
		StorageKey: "requests/1/estimate.pdf",
	}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/requests/"+seeded.RequestID+"/documents?key=requests/1/estimate.pdf", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
