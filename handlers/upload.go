package handlers

import (
	"context"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"medx-coding-support/models"
	"medx-coding-support/services"

	"github.com/gin-gonic/gin"
)

var defaultAllowedMimeTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/tiff",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// UploadHandler is the ingress path: validate, store blobs, upsert the chart,
// record documents, enqueue exactly one job per batch.
type UploadHandler struct {
	charts  *services.ChartStore
	docs    *services.DocumentRepository
	queue   *services.QueueStore
	storage *services.BlobStorage
	hub     *Hub
}

func NewUploadHandler(charts *services.ChartStore, docs *services.DocumentRepository, queue *services.QueueStore, storage *services.BlobStorage, hub *Hub) *UploadHandler {
	return &UploadHandler{charts: charts, docs: docs, queue: queue, storage: storage, hub: hub}
}

func allowedMimeTypes() []string {
	if v := os.Getenv("ALLOWED_MIME_TYPES"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, strings.ToLower(trimmed))
			}
		}
		return out
	}
	return defaultAllowedMimeTypes
}

func maxFileSizeBytes() int64 {
	maxMB := int64(50)
	if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			maxMB = parsed
		}
	}
	return maxMB << 20
}

func mimeAllowed(mimeType string, whitelist []string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	for _, allowed := range whitelist {
		if mt == allowed {
			return true
		}
	}
	return false
}

// HandleChartUpload processes one multipart upload batch.
// Validation failures are rejected synchronously before any row is written.
func (h *UploadHandler) HandleChartUpload(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	chartNumber := c.PostForm("chart_number")
	if sessionID == "" || chartNumber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and chart_number are required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required"})
		return
	}

	// Validate the whole batch before touching storage or the database
	whitelist := allowedMimeTypes()
	maxSize := maxFileSizeBytes()
	for _, fh := range files {
		mimeType := fh.Header.Get("Content-Type")
		if !mimeAllowed(mimeType, whitelist) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("unsupported mime type %s for file %s", mimeType, fh.Filename),
			})
			return
		}
		if fh.Size > maxSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("file %s exceeds the %d MB limit", fh.Filename, maxSize>>20),
			})
			return
		}
	}

	var serviceDate *time.Time
	if v := c.PostForm("service_date"); v != "" {
		if parsed, err := time.Parse("2006-01-02", v); err == nil {
			serviceDate = &parsed
		}
	}

	chart, err := h.charts.CreateQueued(&models.Chart{
		SessionID:     sessionID,
		ChartNumber:   chartNumber,
		PatientName:   c.PostForm("patient_name"),
		FacilityName:  c.PostForm("facility_name"),
		Specialty:     c.PostForm("specialty"),
		ProviderName:  c.PostForm("provider_name"),
		ServiceDate:   serviceDate,
		DocumentCount: len(files),
	})
	if err != nil {
		log.Printf("Failed to upsert chart %s: %v", chartNumber, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chart"})
		return
	}

	transactionID := c.PostForm("transaction_id")
	transactionLabel := c.PostForm("transaction_label")
	isGroup := len(files) > 1 && transactionID != ""

	ctx := c.Request.Context()
	stored := make([]gin.H, 0, len(files))
	for _, fh := range files {
		doc, err := h.storeDocument(ctx, chart, fh, transactionID, transactionLabel, isGroup)
		if err != nil {
			log.Printf("Failed to store document %s: %v", fh.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to store %s", fh.Filename)})
			return
		}
		stored = append(stored, gin.H{"id": doc.ID, "file_name": doc.FileName, "blob_key": doc.BlobKey})
	}

	// An already-submitted chart keeps its frozen result; new documents are
	// stored but no job is enqueued unless explicitly allowed
	if chart.AIStatus == models.AIStatusSubmitted && !strings.EqualFold(os.Getenv("ALLOW_SUBMITTED_REENQUEUE"), "true") {
		log.Printf("⏭️  Chart %s is submitted, skipping enqueue", chart.ChartNumber)
		c.JSON(http.StatusOK, gin.H{
			"chart_number": chart.ChartNumber,
			"documents":    stored,
			"enqueued":     false,
			"reason":       "chart already submitted",
		})
		return
	}

	jobID, err := h.enqueueForChart(chart)
	if err != nil {
		log.Printf("Failed to enqueue job for chart %s: %v", chart.ChartNumber, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue processing job"})
		return
	}

	// Same-process fast path; the durable event went out with the chart upsert
	h.hub.BroadcastChartStatus(chart.SessionID, models.AIStatusQueued)

	log.Printf("✅ Upload batch for chart %s stored (%d files), job %s queued", chart.ChartNumber, len(files), jobID)
	c.JSON(http.StatusOK, gin.H{
		"chart_number": chart.ChartNumber,
		"session_id":   chart.SessionID,
		"documents":    stored,
		"job_id":       jobID,
		"enqueued":     true,
	})
}

func (h *UploadHandler) storeDocument(ctx context.Context, chart *models.Chart, fh *multipart.FileHeader, transactionID, transactionLabel string, isGroup bool) (*models.ClinicalDocument, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	mimeType := fh.Header.Get("Content-Type")
	key, url, err := h.storage.Upload(ctx, chart.ChartNumber, fh.Filename, f, fh.Size, mimeType)
	if err != nil {
		return nil, err
	}

	doc := &models.ClinicalDocument{
		ChartID:          chart.ID,
		FileName:         fh.Filename,
		MimeType:         mimeType,
		FileSize:         fh.Size,
		BlobKey:          key,
		BlobURL:          url,
		BlobBucket:       h.storage.Bucket(),
		OCRStatus:        models.OCRStatusPending,
		TransactionID:    transactionID,
		TransactionLabel: transactionLabel,
		IsGroupMember:    isGroup,
	}
	if err := h.docs.Create(doc); err != nil {
		return nil, fmt.Errorf("failed to record document: %w", err)
	}
	return doc, nil
}

// enqueueForChart builds job_data from the chart's current document set and
// enqueues exactly one job.
func (h *UploadHandler) enqueueForChart(chart *models.Chart) (string, error) {
	docs, err := h.docs.ListByChart(chart.ID)
	if err != nil {
		return "", err
	}

	docIDs := make([]uint, 0, len(docs))
	for _, d := range docs {
		docIDs = append(docIDs, d.ID)
	}

	serviceDate := ""
	if chart.ServiceDate != nil {
		serviceDate = chart.ServiceDate.Format("2006-01-02")
	}

	payload := models.JobPayload{
		ChartID:     chart.ID,
		ChartNumber: chart.ChartNumber,
		SessionID:   chart.SessionID,
		ChartInfo: models.ChartInfo{
			ChartNumber:  chart.ChartNumber,
			PatientName:  chart.PatientName,
			FacilityName: chart.FacilityName,
			Specialty:    chart.Specialty,
			ProviderName: chart.ProviderName,
			ServiceDate:  serviceDate,
		},
		DocumentIDs: docIDs,
	}

	return h.queue.Enqueue(chart.ID, chart.ChartNumber, payload)
}

// HandleRetryChart is the admin path: reset the chart and enqueue a fresh job
// built from the chart's current documents.
func (h *UploadHandler) HandleRetryChart(c *gin.Context) {
	chartNumber := c.Param("chartNumber")

	chart, err := h.charts.GetByChartNumber(chartNumber)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}

	if err := h.charts.ResetForRetry(chartNumber); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.enqueueForChart(chart)
	if err != nil {
		log.Printf("Failed to enqueue retry job for chart %s: %v", chartNumber, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue retry job"})
		return
	}

	// Same-process fast path; ResetForRetry emitted the durable event in-tx
	h.hub.BroadcastChartStatus(chart.SessionID, models.AIStatusQueued)

	log.Printf("🔁 Chart %s reset and re-queued as job %s", chartNumber, jobID)
	c.JSON(http.StatusOK, gin.H{
		"chart_number": chartNumber,
		"job_id":       jobID,
		"status":       models.AIStatusQueued,
	})
}

// HandleDocumentURL returns a presigned download link for one document.
func (h *UploadHandler) HandleDocumentURL(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, err := h.docs.GetByID(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}

	url, err := h.storage.PresignedURL(c.Request.Context(), doc.BlobKey, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to presign document"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         doc.ID,
		"file_name":  doc.FileName,
		"url":        url,
		"expires_in": int((15 * time.Minute).Seconds()),
	})
}
