package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"medx-coding-support/database"
	"medx-coding-support/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// backoffSchedule is indexed by the zero-based count of attempts completed at
// the moment of failure, clamped to the last entry. With the default
// max_attempts=3 the user-visible progression is 30s, 60s, then permanent.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// stuckRetryDelay is the fixed reschedule applied to recovered leases.
const stuckRetryDelay = 30 * time.Second

func backoffDelay(priorAttempts int) time.Duration {
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	if priorAttempts >= len(backoffSchedule) {
		priorAttempts = len(backoffSchedule) - 1
	}
	return backoffSchedule[priorAttempts]
}

// FailDecision tells the caller what the queue decided so it can drive the
// chart-status update that follows a failure.
type FailDecision struct {
	Attempts            int        `json:"attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	WillRetry           bool       `json:"will_retry"`
	RetryAfter          *time.Time `json:"retry_after"`
	IsPermanentlyFailed bool       `json:"is_permanently_failed"`
}

// JobStatusInfo is the operator-facing view of a chart's latest job.
type JobStatusInfo struct {
	JobID           string     `json:"job_id"`
	ChartNumber     string     `json:"chart_number"`
	Status          string     `json:"status"`
	EffectiveStatus string     `json:"effective_status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	ErrorMessage    string     `json:"error_message"`
	RetryAfter      *time.Time `json:"retry_after"`
	RetryInSeconds  int        `json:"retry_in_seconds"`
}

// QueueStats exposes per-status counters for dashboards.
type QueueStats struct {
	Pending           int64 `json:"pending"`
	Processing        int64 `json:"processing"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	RetryScheduled    int64 `json:"retry_scheduled"`
	OldestPendingSecs int64 `json:"oldest_pending_seconds"`
}

// QueueStore is the durable work queue over the processing_queue table.
// Claiming uses FOR UPDATE SKIP LOCKED so competing workers never double-claim.
type QueueStore struct {
	db *gorm.DB
}

func NewQueueStore(db *gorm.DB) *QueueStore {
	return &QueueStore{db: db}
}

// Enqueue writes a new pending job. Idempotency is the caller's concern: the
// ingress key is session_id on the chart, not the job.
func (s *QueueStore) Enqueue(chartID uint, chartNumber string, payload models.JobPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}

	job := models.ProcessingJob{
		JobID:       uuid.NewString(),
		ChartID:     chartID,
		ChartNumber: chartNumber,
		Status:      models.JobStatusPending,
		JobData:     string(raw),
		Attempts:    0,
		MaxAttempts: 3,
	}

	// Insert trigger fires pg_notify on processing_jobs_channel to wake workers
	if err := s.db.Create(&job).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Printf("✅ Job %s queued for chart %s", job.JobID, chartNumber)
	return job.JobID, nil
}

// claimSQL selects the single highest-priority claimable row: pending strictly
// before retryable, oldest first within each class.
const claimSQL = `
	SELECT * FROM processing_queue
	WHERE status = 'pending'
	   OR (status = 'failed' AND attempts < max_attempts
	       AND (retry_after IS NULL OR retry_after <= NOW()))
	ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END, created_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
`

// ClaimNext atomically claims one job for workerID. Returns (nil, nil) when
// nothing is claimable.
func (s *QueueStore) ClaimNext(workerID string) (*models.ProcessingJob, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var job models.ProcessingJob
	if err := tx.Raw(claimSQL).Scan(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if job.ID == 0 {
		tx.Rollback()
		return nil, nil // No jobs available
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":      models.JobStatusProcessing,
		"worker_id":   workerID,
		"locked_at":   now,
		"attempts":    job.Attempts + 1,
		"retry_after": nil,
		"updated_at":  now,
	}
	if job.StartedAt == nil {
		updates["started_at"] = now
	}

	if err := tx.Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := notifyJobStatusTx(tx, job.JobID, models.JobStatusProcessing, "claim",
		fmt.Sprintf("claimed by %s (attempt %d/%d)", workerID, job.Attempts+1, job.MaxAttempts)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	job.Status = models.JobStatusProcessing
	job.WorkerID = workerID
	job.LockedAt = &now
	job.Attempts++
	job.RetryAfter = nil
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	return &job, nil
}

// Complete marks a job completed and clears its lease. Completing an
// already-completed job is a no-op success, and a completed job is terminal:
// the claim predicate can never return it again.
func (s *QueueStore) Complete(jobID string) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	now := time.Now()
	res := tx.Model(&models.ProcessingJob{}).
		Where("job_id = ? AND status <> ?", jobID, models.JobStatusCompleted).
		Updates(map[string]interface{}{
			"status":        models.JobStatusCompleted,
			"completed_at":  now,
			"worker_id":     "",
			"locked_at":     nil,
			"error_message": "",
			"retry_after":   nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Already completed, or unknown job id
		tx.Rollback()
		var count int64
		if err := s.db.Model(&models.ProcessingJob{}).Where("job_id = ?", jobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("job %s not found", jobID)
		}
		return nil
	}

	if err := notifyJobStatusTx(tx, jobID, models.JobStatusCompleted, "done", "job completed"); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// Fail records a failure, schedules the retry per the backoff table when
// attempts remain, and returns the decision so the caller can propagate it to
// the chart.
func (s *QueueStore) Fail(jobID, errorMessage string) (*FailDecision, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var job models.ProcessingJob
	if err := tx.Raw(`SELECT * FROM processing_queue WHERE job_id = ? FOR UPDATE`, jobID).Scan(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if job.ID == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	now := time.Now()
	decision := &FailDecision{
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		WillRetry:   job.Attempts < job.MaxAttempts,
	}

	updates := map[string]interface{}{
		"status":        models.JobStatusFailed,
		"error_message": errorMessage,
		"worker_id":     "",
		"locked_at":     nil,
		"updated_at":    now,
	}

	if decision.WillRetry {
		retryAt := now.Add(backoffDelay(job.Attempts - 1))
		decision.RetryAfter = &retryAt
		updates["retry_after"] = retryAt
		log.Printf("🔄 Job %s will retry at %s (attempt %d/%d)", jobID, retryAt.Format(time.RFC3339), job.Attempts, job.MaxAttempts)
	} else {
		decision.IsPermanentlyFailed = true
		updates["retry_after"] = nil
		log.Printf("💀 Job %s permanently failed after %d attempts", jobID, job.Attempts)
	}

	if err := tx.Model(&models.ProcessingJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := notifyJobStatusTx(tx, jobID, models.JobStatusFailed, "fail", errorMessage); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return decision, nil
}

// ReleaseStuck recovers leases older than stuckMinutes: the rows go back to
// failed with a short fixed retry delay so another worker picks them up.
// Returns the number of recovered jobs.
func (s *QueueStore) ReleaseStuck(stuckMinutes int) (int64, error) {
	tx := s.db.Begin()
	if tx.Error != nil {
		return 0, tx.Error
	}

	cutoff := time.Now().Add(-time.Duration(stuckMinutes) * time.Minute)
	retryAt := time.Now().Add(stuckRetryDelay)

	var jobIDs []string
	err := tx.Raw(`
		UPDATE processing_queue
		SET status = 'failed',
		    error_message = ?,
		    retry_after = ?,
		    worker_id = '',
		    locked_at = NULL,
		    updated_at = NOW()
		WHERE status = 'processing' AND locked_at < ?
		RETURNING job_id
	`, fmt.Sprintf("worker lease expired after %d minutes", stuckMinutes), retryAt, cutoff).Scan(&jobIDs).Error
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	for _, id := range jobIDs {
		if err := notifyJobStatusTx(tx, id, models.JobStatusFailed, "stuck_release", "stale lease released"); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return 0, err
	}

	if len(jobIDs) > 0 {
		log.Printf("♻️  Released %d stuck job(s) older than %d minutes", len(jobIDs), stuckMinutes)
	}
	return int64(len(jobIDs)), nil
}

// Retry is the administrative reset: failed jobs only, attempts back to zero.
func (s *QueueStore) Retry(jobID string) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.Model(&models.ProcessingJob{}).
		Where("job_id = ? AND status = ?", jobID, models.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":        models.JobStatusPending,
			"attempts":      0,
			"error_message": "",
			"worker_id":     "",
			"locked_at":     nil,
			"retry_after":   nil,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("job %s is not in failed state", jobID)
	}

	if err := notifyJobStatusTx(tx, jobID, models.JobStatusPending, "admin_retry", "job reset for retry"); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetJob returns a single job by its opaque id.
func (s *QueueStore) GetJob(jobID string) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	if err := s.db.Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// JobsByChart lists every job for a chart, newest first.
func (s *QueueStore) JobsByChart(chartNumber string) ([]models.ProcessingJob, error) {
	var jobs []models.ProcessingJob
	err := s.db.Where("chart_number = ?", chartNumber).Order("created_at DESC").Find(&jobs).Error
	return jobs, err
}

// GetJobStatus returns the derived operator view of a chart's latest job.
func (s *QueueStore) GetJobStatus(chartNumber string) (*JobStatusInfo, error) {
	var job models.ProcessingJob
	if err := s.db.Where("chart_number = ?", chartNumber).Order("created_at DESC").First(&job).Error; err != nil {
		return nil, err
	}

	info := &JobStatusInfo{
		JobID:        job.JobID,
		ChartNumber:  job.ChartNumber,
		Status:       job.Status,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ErrorMessage: job.ErrorMessage,
		RetryAfter:   job.RetryAfter,
	}
	info.EffectiveStatus, info.RetryInSeconds = effectiveStatus(&job, time.Now())
	return info, nil
}

// effectiveStatus refines "failed" into permanently_failed, waiting_for_retry
// or ready_to_retry.
func effectiveStatus(job *models.ProcessingJob, now time.Time) (string, int) {
	if job.Status != models.JobStatusFailed {
		return job.Status, 0
	}
	if job.Attempts >= job.MaxAttempts {
		return models.EffectiveStatusPermanentlyFailed, 0
	}
	if job.RetryAfter != nil && job.RetryAfter.After(now) {
		return models.EffectiveStatusWaitingForRetry, int(job.RetryAfter.Sub(now).Seconds() + 0.5)
	}
	return models.EffectiveStatusReadyToRetry, 0
}

// GetStats returns queue counters for the dashboard.
func (s *QueueStore) GetStats() (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.db.Raw(`SELECT status, COUNT(*) FROM processing_queue GROUP BY status`).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.JobStatusPending:
			stats.Pending = count
		case models.JobStatusProcessing:
			stats.Processing = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		}
	}

	if err := s.db.Model(&models.ProcessingJob{}).
		Where("status = ? AND retry_after IS NOT NULL AND retry_after > NOW()", models.JobStatusFailed).
		Count(&stats.RetryScheduled).Error; err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	if err := s.db.Raw(`SELECT MIN(created_at) FROM processing_queue WHERE status = 'pending'`).Scan(&oldest).Error; err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPendingSecs = int64(time.Since(oldest.Time).Seconds())
	}

	return stats, nil
}

// Cleanup deletes completed jobs older than the retention window. It never
// touches non-completed rows.
func (s *QueueStore) Cleanup(olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res := s.db.Where("status = ? AND completed_at < ?", models.JobStatusCompleted, cutoff).
		Delete(&models.ProcessingJob{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("🧹 Cleaned up %d completed job(s) older than %d days", res.RowsAffected, olderThanDays)
	}
	return res.RowsAffected, nil
}

// NotifyStatus emits a job progress event outside any state change, e.g. the
// worker's per-phase checkpoints.
func (s *QueueStore) NotifyStatus(jobID, status, phase, message string) error {
	return notifyJobStatusTx(s.db, jobID, status, phase, message)
}

// NotifyChart emits a chart status event for dashboard push updates.
func (s *QueueStore) NotifyChart(sessionID, aiStatus string) error {
	return notifyChartStatusTx(s.db, sessionID, aiStatus)
}

// notifyJobStatusTx emits on job_status_update through the given handle. When
// the handle is a transaction the notification commits or rolls back with the
// state change it accompanies.
func notifyJobStatusTx(tx *gorm.DB, jobID, status, phase, message string) error {
	payload, err := json.Marshal(models.JobStatusUpdate{
		JobID:     jobID,
		Status:    status,
		Phase:     phase,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return tx.Exec(`SELECT pg_notify(?, ?)`, database.JobStatusChannel, string(payload)).Error
}

func notifyChartStatusTx(tx *gorm.DB, sessionID, aiStatus string) error {
	payload, err := json.Marshal(models.ChartStatusUpdate{
		SessionID: sessionID,
		AIStatus:  aiStatus,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return tx.Exec(`SELECT pg_notify(?, ?)`, database.ChartStatusChannel, string(payload)).Error
}
