// Package utilization implements the fund utilization workflow:
// agencies request funds, admins decide, expenditure and proof of work
// accumulate, and a certificate closes the request out.
package utilization

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/ledger"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/internal/repository"
	"github.com/civicstack/fundtrace/pkg/messaging"
)

// RequestStore is the persistence surface the workflow needs.
// *repository.UtilizationRepository implements it.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.UtilizationRequest) error
	GetRequest(ctx context.Context, requestID string) (*models.UtilizationRequest, error)
	ListRequests(ctx context.Context, f repository.RequestFilter) ([]models.UtilizationRequest, error)
	UpdateRequestStatus(ctx context.Context, requestID string, from, to models.RequestStatus, set func(*repository.RequestUpdate)) error
	AddExpenditure(ctx context.Context, e *models.ExpenditureRecord) error
	ListExpenditures(ctx context.Context, requestID string) ([]models.ExpenditureRecord, error)
	AddProof(ctx context.Context, p *models.ProofOfWork) error
	ListProofs(ctx context.Context, requestID string) ([]models.ProofOfWork, error)
	CreateCertificate(ctx context.Context, c *models.UtilizationCertificate) (bool, error)
	GetCertificate(ctx context.Context, requestID string) (*models.UtilizationCertificate, error)
}

// SchemeReader looks up scheme state for validation.
// *repository.SchemeRepository implements it.
type SchemeReader interface {
	GetScheme(ctx context.Context, schemeID int64) (*models.Scheme, error)
}

// Settler settles approved amounts against a scheme. *ledger.Mirror
// implements it.
type Settler interface {
	ApplyFundUsage(ctx context.Context, schemeID int64, amount decimal.Decimal, executor, purpose string) (*ledger.UsageResult, error)
}

// Service coordinates the utilization request lifecycle. Fund
// settlement on approval goes through the ledger mirror.
type Service struct {
	requests RequestStore
	schemes  SchemeReader
	mirror   Settler
	events   *messaging.Publisher
	log      *logrus.Logger
}

// NewService creates a utilization service.
func NewService(requests RequestStore, schemes SchemeReader, mirror Settler, events *messaging.Publisher, log *logrus.Logger) *Service {
	return &Service{requests: requests, schemes: schemes, mirror: mirror, events: events, log: log}
}

// SubmitInput is the payload for a new utilization request.
type SubmitInput struct {
	SchemeID            int64
	Amount              decimal.Decimal
	Purpose             string
	Description         string
	SupportingDocuments []models.Document
}

// Submit files a new request for the calling agency.
func (s *Service) Submit(ctx context.Context, agency, executor string, in SubmitInput) (*models.UtilizationRequest, error) {
	if agency == "" {
		return nil, apperr.Validationf("requesting agency is required")
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive, got %s", in.Amount.String())
	}
	if in.Purpose == "" {
		return nil, apperr.Validationf("purpose is required")
	}

	scheme, err := s.schemes.GetScheme(ctx, in.SchemeID)
	if err != nil {
		return nil, err
	}
	if scheme == nil {
		return nil, fmt.Errorf("%w: scheme %d", apperr.ErrSchemeNotFound, in.SchemeID)
	}
	if in.Amount.GreaterThan(scheme.RemainingFunds()) {
		return nil, &apperr.InsufficientFundsError{
			SchemeID:  in.SchemeID,
			Available: scheme.RemainingFunds(),
			Requested: in.Amount,
		}
	}

	now := time.Now()
	req := &models.UtilizationRequest{
		RequestID:           models.NewRequestID(),
		SchemeID:            in.SchemeID,
		RequestingAgency:    agency,
		Amount:              in.Amount,
		Purpose:             in.Purpose,
		Description:         in.Description,
		SupportingDocuments: in.SupportingDocuments,
		Status:              models.StatusPending,
		Executor:            executor,
		TotalExpenditure:    decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"scheme_id":  req.SchemeID,
		"agency":     agency,
	}).Info("utilization request submitted")

	s.publishRequestEvent(ctx, messaging.EventRequestSubmitted, req)
	return req, nil
}

// Get returns a request, enforcing organization scope for agency
// callers.
func (s *Service) Get(ctx context.Context, requestID string, role models.Role, org string) (*models.UtilizationRequest, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.ErrNotFound
	}
	if !canAccess(req, role, org) {
		return nil, apperr.ErrForbidden
	}
	return req, nil
}

// List returns requests visible to the caller. Agency callers are
// pinned to their own organization regardless of the filter.
func (s *Service) List(ctx context.Context, role models.Role, org string, f repository.RequestFilter) ([]models.UtilizationRequest, error) {
	if role != models.RoleAdmin {
		f.Agency = org
	}
	return s.requests.ListRequests(ctx, f)
}

// Approve settles the requested amount through the ledger mirror and
// moves the request to approved. The pending->approved transition is
// claimed before the settlement so two admins cannot double-spend; on
// settlement failure the claim is rolled back.
func (s *Service) Approve(ctx context.Context, requestID, approver string) (*models.UtilizationRequest, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.ErrNotFound
	}

	err = s.requests.UpdateRequestStatus(ctx, requestID, models.StatusPending, models.StatusApproved, func(u *repository.RequestUpdate) {
		u.WithApprover(approver)
	})
	if err != nil {
		return nil, err
	}

	usage, err := s.mirror.ApplyFundUsage(ctx, req.SchemeID, req.Amount, req.RequestingAgency, req.Purpose)
	if err != nil {
		if rerr := s.requests.UpdateRequestStatus(ctx, requestID, models.StatusApproved, models.StatusPending, nil); rerr != nil {
			s.log.WithError(rerr).WithField("request_id", requestID).Error("failed to roll back approval claim")
		}
		return nil, err
	}

	err = s.requests.UpdateRequestStatus(ctx, requestID, models.StatusApproved, models.StatusApproved, func(u *repository.RequestUpdate) {
		u.WithSettlementID(usage.SettlementID.Value)
	})
	if err != nil {
		// The funds are settled; losing the link is logged, not fatal.
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id":    requestID,
			"settlement_id": usage.SettlementID.Value,
		}).Error("failed to link settlement to approved request")
	}

	s.log.WithFields(logrus.Fields{
		"request_id":    requestID,
		"settlement_id": usage.SettlementID.Value,
		"on_ledger":     usage.AppliedToLedger,
	}).Info("utilization request approved")

	req, err = s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.publishRequestEvent(ctx, messaging.EventRequestApproved, req)
	return req, nil
}

// Reject declines a pending request.
func (s *Service) Reject(ctx context.Context, requestID, approver, reason string) (*models.UtilizationRequest, error) {
	if reason == "" {
		return nil, apperr.Validationf("rejection reason is required")
	}

	err := s.requests.UpdateRequestStatus(ctx, requestID, models.StatusPending, models.StatusRejected, func(u *repository.RequestUpdate) {
		u.WithApprover(approver)
		u.WithRejectionReason(reason)
	})
	if err != nil {
		return nil, err
	}

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.publishRequestEvent(ctx, messaging.EventRequestRejected, req)
	return req, nil
}

// ExpenditureInput is the payload for recording a spend.
type ExpenditureInput struct {
	Activity        string
	Description     string
	Amount          decimal.Decimal
	Category        models.ExpenditureCategory
	Vendor          string
	BillNumber      string
	BillDocument    *models.Document
	ExpenditureDate time.Time
}

// RecordExpenditure adds a spend to an approved or in-progress
// request. The first expenditure moves an approved request to
// in-progress. The running total may not exceed the approved amount.
func (s *Service) RecordExpenditure(ctx context.Context, requestID string, role models.Role, org, recordedBy string, in ExpenditureInput) (*models.ExpenditureRecord, error) {
	if in.Activity == "" {
		return nil, apperr.Validationf("activity is required")
	}
	if !in.Amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive, got %s", in.Amount.String())
	}
	if in.Category == "" {
		in.Category = models.CategoryOther
	}

	req, err := s.Get(ctx, requestID, role, org)
	if err != nil {
		return nil, err
	}
	if !req.CanRecordExpenditure() {
		return nil, fmt.Errorf("%w: request %s is %s", apperr.ErrInvalidTransition, requestID, req.Status)
	}
	if req.TotalExpenditure.Add(in.Amount).GreaterThan(req.Amount) {
		return nil, apperr.Validationf("expenditure %s would exceed approved amount %s (spent %s)",
			in.Amount.String(), req.Amount.String(), req.TotalExpenditure.String())
	}

	if in.ExpenditureDate.IsZero() {
		in.ExpenditureDate = time.Now()
	}
	rec := &models.ExpenditureRecord{
		ID:              models.NewExpenditureID(),
		RequestID:       requestID,
		Activity:        in.Activity,
		Description:     in.Description,
		Amount:          in.Amount,
		Category:        in.Category,
		Vendor:          in.Vendor,
		BillNumber:      in.BillNumber,
		BillDocument:    in.BillDocument,
		RecordedBy:      recordedBy,
		ExpenditureDate: in.ExpenditureDate,
		CreatedAt:       time.Now(),
	}
	if err := s.requests.AddExpenditure(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record expenditure: %w", err)
	}
	return rec, nil
}

// ListExpenditures returns a request's expenditures, org-scoped.
func (s *Service) ListExpenditures(ctx context.Context, requestID string, role models.Role, org string) ([]models.ExpenditureRecord, error) {
	if _, err := s.Get(ctx, requestID, role, org); err != nil {
		return nil, err
	}
	return s.requests.ListExpenditures(ctx, requestID)
}

// ProofInput is the payload for a proof-of-work upload.
type ProofInput struct {
	ProofType          models.ProofType
	Title              string
	Description        string
	File               models.Document
	WorkCompletionDate time.Time
	Location           string
}

// AddProof attaches evidence of completed work to an active request.
func (s *Service) AddProof(ctx context.Context, requestID string, role models.Role, org, uploadedBy string, in ProofInput) (*models.ProofOfWork, error) {
	if in.Title == "" {
		return nil, apperr.Validationf("title is required")
	}
	if in.ProofType == "" {
		in.ProofType = models.ProofOther
	}

	req, err := s.Get(ctx, requestID, role, org)
	if err != nil {
		return nil, err
	}
	if !req.CanRecordExpenditure() && req.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: request %s is %s", apperr.ErrInvalidTransition, requestID, req.Status)
	}

	if in.WorkCompletionDate.IsZero() {
		in.WorkCompletionDate = time.Now()
	}
	proof := &models.ProofOfWork{
		ID:                 models.NewProofID(),
		RequestID:          requestID,
		ProofType:          in.ProofType,
		Title:              in.Title,
		Description:        in.Description,
		File:               in.File,
		UploadedBy:         uploadedBy,
		WorkCompletionDate: in.WorkCompletionDate,
		Location:           in.Location,
		CreatedAt:          time.Now(),
	}
	if err := s.requests.AddProof(ctx, proof); err != nil {
		return nil, fmt.Errorf("failed to add proof: %w", err)
	}
	return proof, nil
}

// ListProofs returns a request's proofs of work, org-scoped.
func (s *Service) ListProofs(ctx context.Context, requestID string, role models.Role, org string) ([]models.ProofOfWork, error) {
	if _, err := s.Get(ctx, requestID, role, org); err != nil {
		return nil, err
	}
	return s.requests.ListProofs(ctx, requestID)
}

// Complete moves an in-progress request to completed, enabling
// certificate generation.
func (s *Service) Complete(ctx context.Context, requestID string, role models.Role, org string) (*models.UtilizationRequest, error) {
	if _, err := s.Get(ctx, requestID, role, org); err != nil {
		return nil, err
	}

	err := s.requests.UpdateRequestStatus(ctx, requestID, models.StatusInProgress, models.StatusCompleted, func(u *repository.RequestUpdate) {
		u.WithCompletionDate(time.Now())
	})
	if err != nil {
		return nil, err
	}

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.publishRequestEvent(ctx, messaging.EventRequestCompleted, req)
	return req, nil
}

// GenerateCertificate produces the utilization certificate for a
// completed request. Generation is idempotent: repeated calls return
// the original certificate.
func (s *Service) GenerateCertificate(ctx context.Context, requestID string, role models.Role, org, generatedBy string) (*models.UtilizationCertificate, error) {
	req, err := s.Get(ctx, requestID, role, org)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: certificate requires a completed request, got %s", apperr.ErrInvalidTransition, req.Status)
	}

	if existing, err := s.requests.GetCertificate(ctx, requestID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	schemeName := ""
	if scheme, err := s.schemes.GetScheme(ctx, req.SchemeID); err == nil && scheme != nil {
		schemeName = scheme.Name
	}

	periodEnd := time.Now()
	if req.CompletionDate != nil {
		periodEnd = *req.CompletionDate
	}
	cert := &models.UtilizationCertificate{
		RequestID:         requestID,
		CertificateNumber: models.NewCertificateNumber(),
		SchemeID:          req.SchemeID,
		SchemeName:        schemeName,
		RequestingAgency:  req.RequestingAgency,
		ApprovedAmount:    req.Amount,
		TotalExpenditure:  req.TotalExpenditure,
		RemainingBalance:  req.Amount.Sub(req.TotalExpenditure),
		PeriodStart:       req.CreatedAt,
		PeriodEnd:         periodEnd,
		GeneratedBy:       generatedBy,
		GeneratedAt:       time.Now(),
	}

	created, err := s.requests.CreateCertificate(ctx, cert)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent generation; return theirs.
		return s.requests.GetCertificate(ctx, requestID)
	}
	return cert, nil
}

// GetCertificate returns the certificate for a request, org-scoped.
func (s *Service) GetCertificate(ctx context.Context, requestID string, role models.Role, org string) (*models.UtilizationCertificate, error) {
	if _, err := s.Get(ctx, requestID, role, org); err != nil {
		return nil, err
	}
	cert, err := s.requests.GetCertificate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, apperr.ErrNotFound
	}
	return cert, nil
}

// FindDocument resolves a storage key to one of the request's attached
// documents: supporting documents, expenditure bills or proofs of work.
// Keys belonging to other requests are indistinguishable from missing
// ones.
func (s *Service) FindDocument(ctx context.Context, requestID string, role models.Role, org, storageKey string) (*models.Document, error) {
	if storageKey == "" {
		return nil, apperr.Validationf("storage key is required")
	}

	req, err := s.Get(ctx, requestID, role, org)
	if err != nil {
		return nil, err
	}
	for i := range req.SupportingDocuments {
		if req.SupportingDocuments[i].StorageKey == storageKey {
			return &req.SupportingDocuments[i], nil
		}
	}

	expenditures, err := s.requests.ListExpenditures(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for i := range expenditures {
		if d := expenditures[i].BillDocument; d != nil && d.StorageKey == storageKey {
			return d, nil
		}
	}

	proofs, err := s.requests.ListProofs(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for i := range proofs {
		if proofs[i].File.StorageKey == storageKey {
			return &proofs[i].File, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func canAccess(req *models.UtilizationRequest, role models.Role, org string) bool {
	if role == models.RoleAdmin {
		return true
	}
	return req.RequestingAgency == org
}

func (s *Service) publishRequestEvent(ctx context.Context, subject string, req *models.UtilizationRequest) {
	if req == nil {
		return
	}
	s.events.Publish(ctx, subject, messaging.RequestEvent{
		RequestID: req.RequestID,
		SchemeID:  req.SchemeID,
		Agency:    req.RequestingAgency,
		Status:    string(req.Status),
		Amount:    req.Amount.String(),
		Timestamp: time.Now(),
	})
}
