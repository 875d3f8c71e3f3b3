package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"medx-coding-support/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChartStore records the per-chart state machine the dashboard observes.
// Every state-changing write emits its chart_status_update notification in
// the same transaction, so a commit implies a delivery attempt.
type ChartStore struct {
	db *gorm.DB
}

func NewChartStore(db *gorm.DB) *ChartStore {
	return &ChartStore{db: db}
}

// notifyChartTx reads the row's session key and current ai_status inside tx
// and emits the chart event before the commit that carries the state change.
func notifyChartTx(tx *gorm.DB, chartNumber string) error {
	var row struct {
		SessionID string
		AIStatus  string
	}
	if err := tx.Raw(`SELECT session_id, ai_status FROM charts WHERE chart_number = ?`, chartNumber).Scan(&row).Error; err != nil {
		return err
	}
	if row.SessionID == "" {
		return nil
	}
	return notifyChartStatusTx(tx, row.SessionID, row.AIStatus)
}

// CreateQueued upserts a chart by session_id. A conflicting upload merges
// metadata and adds to document_count; ai_status is preserved when the chart
// is already ready or submitted, otherwise forced back to queued so the new
// batch gets processed. This is what lets multi-upload sessions add documents
// to an already-processed chart without regressing its state.
func (s *ChartStore) CreateQueued(chart *models.Chart) (*models.Chart, error) {
	if chart.AIStatus == "" {
		chart.AIStatus = models.AIStatusQueued
	}
	if chart.ReviewStatus == "" {
		chart.ReviewStatus = models.ReviewStatusPending
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"patient_name":   chart.PatientName,
			"facility_name":  chart.FacilityName,
			"specialty":      chart.Specialty,
			"provider_name":  chart.ProviderName,
			"service_date":   chart.ServiceDate,
			"document_count": gorm.Expr("charts.document_count + EXCLUDED.document_count"),
			"ai_status": gorm.Expr(
				"CASE WHEN charts.ai_status IN ('ready','submitted') THEN charts.ai_status ELSE 'queued' END"),
			"updated_at": time.Now(),
		}),
	}).Create(chart).Error
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to upsert chart: %w", err)
	}

	// Re-read: on conflict the in-memory struct does not reflect the merge
	var stored models.Chart
	if err := tx.Where("session_id = ?", chart.SessionID).First(&stored).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := notifyChartStatusTx(tx, stored.SessionID, stored.AIStatus); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// MarkProcessing flips the chart into processing and stamps the start time.
func (s *ChartStore) MarkProcessing(chartNumber string) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	now := time.Now()
	res := tx.Model(&models.Chart{}).
		Where("chart_number = ?", chartNumber).
		Updates(map[string]interface{}{
			"ai_status":             models.AIStatusProcessing,
			"processing_started_at": now,
			"updated_at":            now,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// StoreResults writes the AI payload, takes the write-once original-codes
// snapshot, and moves the chart to ready with its error fields cleared.
// Submitted charts are frozen and never overwritten.
func (s *ChartStore) StoreResults(chartNumber string, aiPayload map[string]interface{}, slaData map[string]interface{}) error {
	payloadJSON, err := json.Marshal(aiPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal AI payload: %w", err)
	}

	snapshot := ExtractOriginalCodes(aiPayload)
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal code snapshot: %w", err)
	}

	var slaJSON []byte
	if slaData != nil {
		slaJSON, err = json.Marshal(slaData)
		if err != nil {
			return fmt.Errorf("failed to marshal SLA data: %w", err)
		}
	}

	now := time.Now()
	updates := map[string]interface{}{
		"ai_result": string(payloadJSON),
		// Snapshot is written exactly once per processing generation
		"original_ai_codes":       gorm.Expr("COALESCE(NULLIF(original_ai_codes::text, 'null')::jsonb, ?::jsonb)", string(snapshotJSON)),
		"ai_status":               models.AIStatusReady,
		"processing_completed_at": now,
		"last_error":              "",
		"last_error_at":           nil,
		"retry_count":             0,
		"updated_at":              now,
	}
	if slaJSON != nil {
		updates["sla_data"] = string(slaJSON)
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.Model(&models.Chart{}).
		Where("chart_number = ? AND review_status <> ?", chartNumber, models.ReviewStatusSubmitted).
		Updates(updates)
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found or already submitted", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	log.Printf("📋 Chart %s results stored, ai_status=ready", chartNumber)
	return nil
}

// ExtractOriginalCodes pulls the generated code categories out of the AI
// payload for the immutable snapshot. Unknown payload shapes snapshot whole.
func ExtractOriginalCodes(payload map[string]interface{}) map[string]interface{} {
	diag, ok := payload["diagnosis_codes"].(map[string]interface{})
	if !ok {
		return payload
	}

	snapshot := make(map[string]interface{}, len(diag)+2)
	for k, v := range diag {
		snapshot[k] = v
	}
	if proc, ok := payload["procedure_codes"]; ok {
		snapshot["procedure_codes"] = proc
	}
	if mods, ok := payload["modifiers"]; ok {
		snapshot["modifiers"] = mods
	}
	return snapshot
}

// RecordError writes the failure outcome the queue decided on: retry_pending
// while attempts remain, failed once they are exhausted.
func (s *ChartStore) RecordError(chartNumber, errorMessage string, willRetry bool, attempts int) error {
	status := models.AIStatusFailed
	if willRetry {
		status = models.AIStatusRetryPending
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	now := time.Now()
	res := tx.Model(&models.Chart{}).
		Where("chart_number = ?", chartNumber).
		Updates(map[string]interface{}{
			"ai_status":     status,
			"last_error":    errorMessage,
			"last_error_at": now,
			"retry_count":   attempts,
			"updated_at":    now,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// ResetForRetry is the admin path back to queued. Only failed and
// retry_pending charts qualify.
func (s *ChartStore) ResetForRetry(chartNumber string) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.Model(&models.Chart{}).
		Where("chart_number = ? AND ai_status IN ?", chartNumber,
			[]string{models.AIStatusFailed, models.AIStatusRetryPending}).
		Updates(map[string]interface{}{
			"ai_status":     models.AIStatusQueued,
			"last_error":    "",
			"last_error_at": nil,
			"retry_count":   0,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s is not in a retryable state", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// SaveUserModifications stores the review overlay. Submitted charts are frozen.
func (s *ChartStore) SaveUserModifications(chartNumber string, modifications map[string]interface{}) error {
	raw, err := json.Marshal(modifications)
	if err != nil {
		return fmt.Errorf("failed to marshal modifications: %w", err)
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.Model(&models.Chart{}).
		Where("chart_number = ? AND review_status <> ?", chartNumber, models.ReviewStatusSubmitted).
		Updates(map[string]interface{}{
			"user_modifications": string(raw),
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found or already submitted", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// SubmitFinalCodes freezes the chart: final codes recorded, both statuses
// move to submitted, submitted_at stamped.
func (s *ChartStore) SubmitFinalCodes(chartNumber string, finalCodes map[string]interface{}) error {
	if len(finalCodes) == 0 {
		return fmt.Errorf("final codes are required for submission")
	}

	raw, err := json.Marshal(finalCodes)
	if err != nil {
		return fmt.Errorf("failed to marshal final codes: %w", err)
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	now := time.Now()
	res := tx.Model(&models.Chart{}).
		Where("chart_number = ? AND review_status <> ?", chartNumber, models.ReviewStatusSubmitted).
		Updates(map[string]interface{}{
			"final_codes":   string(raw),
			"review_status": models.ReviewStatusSubmitted,
			"ai_status":     models.AIStatusSubmitted,
			"submitted_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found or already submitted", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	log.Printf("📤 Chart %s submitted", chartNumber)
	return nil
}

// UpdateReviewStatus moves the review workflow between its non-terminal
// states. Submission goes through SubmitFinalCodes so the final-codes
// invariant holds.
func (s *ChartStore) UpdateReviewStatus(chartNumber, reviewStatus string) error {
	switch reviewStatus {
	case models.ReviewStatusPending, models.ReviewStatusInReview, models.ReviewStatusRejected:
	case models.ReviewStatusSubmitted:
		return fmt.Errorf("use the submit endpoint to submit a chart")
	default:
		return fmt.Errorf("invalid review status: %s", reviewStatus)
	}

	tx := s.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	res := tx.Model(&models.Chart{}).
		Where("chart_number = ?", chartNumber).
		Updates(map[string]interface{}{
			"review_status": reviewStatus,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		tx.Rollback()
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("chart %s not found", chartNumber)
	}

	if err := notifyChartTx(tx, chartNumber); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetBySessionID returns the chart for an upload session.
func (s *ChartStore) GetBySessionID(sessionID string) (*models.Chart, error) {
	var chart models.Chart
	if err := s.db.Where("session_id = ?", sessionID).First(&chart).Error; err != nil {
		return nil, err
	}
	return &chart, nil
}

// GetByChartNumber returns the chart by its human-facing number.
func (s *ChartStore) GetByChartNumber(chartNumber string) (*models.Chart, error) {
	var chart models.Chart
	if err := s.db.Where("chart_number = ?", chartNumber).First(&chart).Error; err != nil {
		return nil, err
	}
	return &chart, nil
}

// List returns charts newest first, optionally filtered by ai_status.
func (s *ChartStore) List(aiStatus string, limit, offset int) ([]models.Chart, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.Order("created_at DESC").Limit(limit).Offset(offset)
	if aiStatus != "" {
		q = q.Where("ai_status = ?", aiStatus)
	}

	var charts []models.Chart
	err := q.Find(&charts).Error
	return charts, err
}

// Delete removes a chart; its documents go with it via the cascade.
func (s *ChartStore) Delete(chartNumber string) error {
	res := s.db.Where("chart_number = ?", chartNumber).Delete(&models.Chart{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("chart %s not found", chartNumber)
	}
	return nil
}
