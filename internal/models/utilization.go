package models

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus is the lifecycle state of a utilization request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusApproved   RequestStatus = "approved"
	StatusRejected   RequestStatus = "rejected"
	StatusInProgress RequestStatus = "in-progress"
	StatusCompleted  RequestStatus = "completed"
)

// ExpenditureCategory classifies an expenditure record.
type ExpenditureCategory string

const (
	CategoryLabor     ExpenditureCategory = "labor"
	CategoryMaterials ExpenditureCategory = "materials"
	CategoryEquipment ExpenditureCategory = "equipment"
	CategoryTransport ExpenditureCategory = "transport"
	CategoryOther     ExpenditureCategory = "other"
)

// ProofType classifies a proof-of-work upload.
type ProofType string

const (
	ProofPhotograph  ProofType = "photograph"
	ProofBill        ProofType = "bill"
	ProofReceipt     ProofType = "receipt"
	ProofCertificate ProofType = "certificate"
	ProofOther       ProofType = "other"
)

// Document points at an uploaded file in object storage.
type Document struct {
	FileName   string    `json:"fileName"`
	StorageKey string    `json:"storageKey"`
	FileType   string    `json:"fileType"`
	FileSize   int64     `json:"fileSize,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// UtilizationRequest is an agency's request to draw funds from a
// scheme. Lifecycle: pending -> approved | rejected; approved ->
// in-progress on first expenditure; in-progress -> completed, which
// enables certificate generation.
type UtilizationRequest struct {
	RequestID           string          `json:"requestId" db:"request_id"`
	SchemeID            int64           `json:"schemeId" db:"scheme_id"`
	RequestingAgency    string          `json:"requestingAgency" db:"requesting_agency"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	Purpose             string          `json:"purpose" db:"purpose"`
	Description         string          `json:"description" db:"description"`
	SupportingDocuments []Document      `json:"supportingDocuments" db:"supporting_documents"`
	Status              RequestStatus   `json:"status" db:"status"`
	Executor            string          `json:"executor" db:"executor"`
	ApprovedBy          *string         `json:"approvedBy,omitempty" db:"approved_by"`
	ApprovedAt          *time.Time      `json:"approvedAt,omitempty" db:"approved_at"`
	RejectionReason     *string         `json:"rejectionReason,omitempty" db:"rejection_reason"`
	TotalExpenditure    decimal.Decimal `json:"totalExpenditure" db:"total_expenditure"`
	SettlementID        *string         `json:"settlementId,omitempty" db:"settlement_id"`
	CompletionDate      *time.Time      `json:"completionDate,omitempty" db:"completion_date"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time       `json:"updatedAt" db:"updated_at"`
}

// CanRecordExpenditure reports whether an expenditure may be recorded
// in the current state.
func (r *UtilizationRequest) CanRecordExpenditure() bool {
	return r.Status == StatusApproved || r.Status == StatusInProgress
}

// ExpenditureRecord documents a single spend against an approved
// request.
type ExpenditureRecord struct {
	ID              string              `json:"id" db:"id"`
	RequestID       string              `json:"requestId" db:"request_id"`
	Activity        string              `json:"activity" db:"activity"`
	Description     string              `json:"description" db:"description"`
	Amount          decimal.Decimal     `json:"amount" db:"amount"`
	Category        ExpenditureCategory `json:"category" db:"category"`
	Vendor          string              `json:"vendor" db:"vendor"`
	BillNumber      string              `json:"billNumber" db:"bill_number"`
	BillDocument    *Document           `json:"billDocument,omitempty" db:"bill_document"`
	RecordedBy      string              `json:"recordedBy" db:"recorded_by"`
	ExpenditureDate time.Time           `json:"expenditureDate" db:"expenditure_date"`
	CreatedAt       time.Time           `json:"createdAt" db:"created_at"`
}

// ProofOfWork is an uploaded evidence artifact for completed work.
type ProofOfWork struct {
	ID                 string    `json:"id" db:"id"`
	RequestID          string    `json:"requestId" db:"request_id"`
	ProofType          ProofType `json:"proofType" db:"proof_type"`
	Title              string    `json:"title" db:"title"`
	Description        string    `json:"description" db:"description"`
	File               Document  `json:"file" db:"file"`
	UploadedBy         string    `json:"uploadedBy" db:"uploaded_by"`
	WorkCompletionDate time.Time `json:"workCompletionDate" db:"work_completion_date"`
	Location           string    `json:"location" db:"location"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
}

// UtilizationCertificate summarizes a completed request. One per
// request.
type UtilizationCertificate struct {
	RequestID         string          `json:"requestId" db:"request_id"`
	CertificateNumber string          `json:"certificateNumber" db:"certificate_number"`
	SchemeID          int64           `json:"schemeId" db:"scheme_id"`
	SchemeName        string          `json:"schemeName" db:"scheme_name"`
	RequestingAgency  string          `json:"requestingAgency" db:"requesting_agency"`
	ApprovedAmount    decimal.Decimal `json:"approvedAmount" db:"approved_amount"`
	TotalExpenditure  decimal.Decimal `json:"totalExpenditure" db:"total_expenditure"`
	RemainingBalance  decimal.Decimal `json:"remainingBalance" db:"remaining_balance"`
	PeriodStart       time.Time       `json:"periodStart" db:"period_start"`
	PeriodEnd         time.Time       `json:"periodEnd" db:"period_end"`
	GeneratedBy       string          `json:"generatedBy" db:"generated_by"`
	GeneratedAt       time.Time       `json:"generatedAt" db:"generated_at"`
}

// NewRequestID mints a request identifier in the UR-<ts>-<rand> shape.
func NewRequestID() string { return taggedID("UR") }

// NewCertificateNumber mints a certificate number.
func NewCertificateNumber() string { return taggedID("UC") }

// NewExpenditureID mints an expenditure record identifier.
func NewExpenditureID() string { return taggedID("EX") }

// NewProofID mints a proof-of-work identifier.
func NewProofID() string { return taggedID("PW") }

// NewGrievanceID mints a grievance identifier.
func NewGrievanceID() string { return taggedID("GR") }

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func taggedID(prefix string) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), suffix)
}
