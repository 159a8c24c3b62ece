package models

import "time"

// GrievanceCategory classifies a citizen-submitted grievance.
type GrievanceCategory string

const (
	GrievanceFundMisuse   GrievanceCategory = "fund-misuse"
	GrievanceIrregularity GrievanceCategory = "irregularity"
	GrievanceDelay        GrievanceCategory = "delay"
	GrievanceCorruption   GrievanceCategory = "corruption"
	GrievanceOther        GrievanceCategory = "other"
)

// GrievanceStatus is the review state of a grievance.
type GrievanceStatus string

const (
	GrievancePending     GrievanceStatus = "pending"
	GrievanceUnderReview GrievanceStatus = "under-review"
	GrievanceResolved    GrievanceStatus = "resolved"
	GrievanceRejected    GrievanceStatus = "rejected"
)

// ValidGrievanceStatus reports whether s is a known review state.
func ValidGrievanceStatus(s GrievanceStatus) bool {
	switch s {
	case GrievancePending, GrievanceUnderReview, GrievanceResolved, GrievanceRejected:
		return true
	}
	return false
}

// ValidGrievanceCategory reports whether c is a known category.
func ValidGrievanceCategory(c GrievanceCategory) bool {
	switch c {
	case GrievanceFundMisuse, GrievanceIrregularity, GrievanceDelay, GrievanceCorruption, GrievanceOther:
		return true
	}
	return false
}

// Grievance is a citizen-submitted issue report.
type Grievance struct {
	GrievanceID         string            `json:"grievanceId" db:"grievance_id"`
	SchemeID            *int64            `json:"schemeId,omitempty" db:"scheme_id"`
	SchemeName          string            `json:"schemeName" db:"scheme_name"`
	Category            GrievanceCategory `json:"category" db:"category"`
	Title               string            `json:"title" db:"title"`
	Description         string            `json:"description" db:"description"`
	Location            string            `json:"location" db:"location"`
	BeneficiaryName     string            `json:"beneficiaryName" db:"beneficiary_name"`
	ContactEmail        string            `json:"contactEmail" db:"contact_email"`
	ContactPhone        string            `json:"contactPhone" db:"contact_phone"`
	Status              GrievanceStatus   `json:"status" db:"status"`
	SubmittedBy         string            `json:"submittedBy" db:"submitted_by"`
	ReviewedBy          *string           `json:"reviewedBy,omitempty" db:"reviewed_by"`
	ReviewNotes         *string           `json:"reviewNotes,omitempty" db:"review_notes"`
	ReviewedAt          *time.Time        `json:"reviewedAt,omitempty" db:"reviewed_at"`
	SupportingDocuments []Document        `json:"supportingDocuments" db:"supporting_documents"`
	CreatedAt           time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time         `json:"updatedAt" db:"updated_at"`
}

// GrievanceFilter narrows grievance list queries.
type GrievanceFilter struct {
	Status      GrievanceStatus
	Category    GrievanceCategory
	SubmittedBy string
	Search      string
	Limit       int
}
