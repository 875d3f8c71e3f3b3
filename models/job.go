package models

import "time"

// Job status values
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Effective job status values shown to operators, refining "failed".
const (
	EffectiveStatusPermanentlyFailed = "permanently_failed"
	EffectiveStatusWaitingForRetry   = "waiting_for_retry"
	EffectiveStatusReadyToRetry      = "ready_to_retry"
)

// ProcessingJob: one unit of work on the durable queue. ChartNumber is
// denormalized for observability. (worker_id, locked_at) form the lease.
type ProcessingJob struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	JobID string `gorm:"uniqueIndex;not null" json:"job_id"`

	ChartID     uint   `gorm:"index" json:"chart_id"`
	ChartNumber string `gorm:"index;not null" json:"chart_number"`

	Status  string `gorm:"index;default:'pending'" json:"status"`
	JobData string `gorm:"type:jsonb;default:null" json:"job_data"`

	WorkerID string     `json:"worker_id"`
	LockedAt *time.Time `json:"locked_at"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Attempts     int        `gorm:"default:0" json:"attempts"`
	MaxAttempts  int        `gorm:"default:3" json:"max_attempts"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	RetryAfter   *time.Time `gorm:"index" json:"retry_after"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProcessingJob) TableName() string {
	return "processing_queue"
}

// ChartInfo carries the chart metadata the coding prompt needs.
type ChartInfo struct {
	ChartNumber  string `json:"chartNumber"`
	PatientName  string `json:"patientName"`
	FacilityName string `json:"facilityName"`
	Specialty    string `json:"specialty"`
	ProviderName string `json:"providerName"`
	ServiceDate  string `json:"serviceDate"`
}

// JobPayload is the job_data blob describing which documents to process.
// The worker treats the document list as advisory and re-reads the
// authoritative set from the documents table at claim time.
type JobPayload struct {
	ChartID     uint      `json:"chartId"`
	ChartNumber string    `json:"chartNumber"`
	SessionID   string    `json:"sessionId"`
	ChartInfo   ChartInfo `json:"chartInfo"`
	DocumentIDs []uint    `json:"documentIds"`
}

// JobStatusUpdate is the payload carried on the job_status_update channel.
type JobStatusUpdate struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ChartStatusUpdate is the payload carried on the chart_status_update channel.
type ChartStatusUpdate struct {
	SessionID string `json:"sessionId"`
	AIStatus  string `json:"aiStatus"`
	Timestamp string `json:"timestamp"`
}
