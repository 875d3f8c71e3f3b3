package models

import "time"

// Chart ai_status values
const (
	AIStatusQueued       = "queued"
	AIStatusProcessing   = "processing"
	AIStatusReady        = "ready"
	AIStatusRetryPending = "retry_pending"
	AIStatusFailed       = "failed"
	AIStatusSubmitted    = "submitted"
)

// Chart review_status values
const (
	ReviewStatusPending   = "pending"
	ReviewStatusInReview  = "in_review"
	ReviewStatusSubmitted = "submitted"
	ReviewStatusRejected  = "rejected"
)

// Chart: one patient encounter's worth of documents plus derived codes.
// SessionID is the idempotency key for multi-upload batches.
type Chart struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	SessionID   string `gorm:"uniqueIndex;not null" json:"session_id"`
	ChartNumber string `gorm:"uniqueIndex;not null" json:"chart_number"`

	PatientName  string     `json:"patient_name"`
	FacilityName string     `json:"facility_name"`
	Specialty    string     `json:"specialty"`
	ProviderName string     `json:"provider_name"`
	ServiceDate  *time.Time `json:"service_date"`

	DocumentCount int `gorm:"default:0" json:"document_count"`

	AIStatus     string `gorm:"index;default:'queued'" json:"ai_status"`
	ReviewStatus string `gorm:"index;default:'pending'" json:"review_status"`

	AIResult          string `gorm:"type:jsonb;default:null" json:"ai_result"`
	OriginalAICodes   string `gorm:"type:jsonb;default:null" json:"original_ai_codes"` // snapshot, written once per generation
	UserModifications string `gorm:"type:jsonb;default:null" json:"user_modifications"`
	FinalCodes        string `gorm:"type:jsonb;default:null" json:"final_codes"`
	SLAData           string `gorm:"type:jsonb;default:null" json:"sla_data"`

	LastError   string     `gorm:"type:text" json:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at"`
	RetryCount  int        `gorm:"default:0" json:"retry_count"`

	ProcessingStartedAt   *time.Time `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at"`
	SubmittedAt           *time.Time `json:"submitted_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chart) TableName() string {
	return "charts"
}

// Document ocr_status values
const (
	OCRStatusPending   = "pending"
	OCRStatusCompleted = "completed"
	OCRStatusFailed    = "failed"
)

// ClinicalDocument: one uploaded file belonging to a chart. The chart owner
// and blob location are immutable once set.
type ClinicalDocument struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	ChartID uint `gorm:"index;not null" json:"chart_id"`

	FileName string `gorm:"not null" json:"file_name"`
	MimeType string `gorm:"not null" json:"mime_type"`
	FileSize int64  `json:"file_size"`

	BlobKey    string `json:"blob_key"`
	BlobURL    string `json:"blob_url"`
	BlobBucket string `json:"blob_bucket"`

	OCRStatus string `gorm:"index;default:'pending'" json:"ocr_status"`
	OCRText   string `gorm:"type:text" json:"ocr_text"`
	OCRMs     int64  `json:"ocr_ms"`

	AIDocumentSummary string `gorm:"type:text" json:"ai_document_summary"`

	// Transaction groups files that compose one logical document
	// (e.g. several scanned pages).
	TransactionID    string `gorm:"index" json:"transaction_id"`
	TransactionLabel string `json:"transaction_label"`
	IsGroupMember    bool   `gorm:"default:false" json:"is_group_member"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Chart *Chart `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (ClinicalDocument) TableName() string {
	return "documents"
}
