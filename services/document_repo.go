package services

import (
	"fmt"
	"time"

	"medx-coding-support/models"

	"gorm.io/gorm"
)

// DocumentRepository persists the uploaded artifacts belonging to charts.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create stores a new document row. Chart owner and blob location are
// immutable after this point.
func (r *DocumentRepository) Create(doc *models.ClinicalDocument) error {
	if doc.ChartID == 0 {
		return fmt.Errorf("document requires a chart owner")
	}
	if doc.OCRStatus == "" {
		doc.OCRStatus = models.OCRStatusPending
	}
	return r.db.Create(doc).Error
}

// GetByID returns one document.
func (r *DocumentRepository) GetByID(id uint) (*models.ClinicalDocument, error) {
	var doc models.ClinicalDocument
	if err := r.db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListByChart returns a chart's documents in upload order. The worker calls
// this at claim time so documents added between enqueue and claim are included.
func (r *DocumentRepository) ListByChart(chartID uint) ([]models.ClinicalDocument, error) {
	var docs []models.ClinicalDocument
	err := r.db.Where("chart_id = ?", chartID).Order("created_at ASC").Find(&docs).Error
	return docs, err
}

// UpdateOCRSuccess records an extraction result on the document.
func (r *DocumentRepository) UpdateOCRSuccess(id uint, text string, elapsedMs int64) error {
	return r.db.Model(&models.ClinicalDocument{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ocr_status": models.OCRStatusCompleted,
			"ocr_text":   text,
			"ocr_ms":     elapsedMs,
			"updated_at": time.Now(),
		}).Error
}

// UpdateOCRFailure marks the document's extraction as failed.
func (r *DocumentRepository) UpdateOCRFailure(id uint) error {
	return r.db.Model(&models.ClinicalDocument{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ocr_status": models.OCRStatusFailed,
			"updated_at": time.Now(),
		}).Error
}

// SaveSummary stores the per-document AI summary.
func (r *DocumentRepository) SaveSummary(id uint, summary string) error {
	return r.db.Model(&models.ClinicalDocument{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ai_document_summary": summary,
			"updated_at":          time.Now(),
		}).Error
}
