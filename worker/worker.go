package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"medx-coding-support/database"
	"medx-coding-support/models"
	"medx-coding-support/services"

	"github.com/lib/pq"
)

// Queue is the slice of the queue store the worker drives.
type Queue interface {
	ClaimNext(workerID string) (*models.ProcessingJob, error)
	Complete(jobID string) error
	Fail(jobID, errorMessage string) (*services.FailDecision, error)
	ReleaseStuck(stuckMinutes int) (int64, error)
	NotifyStatus(jobID, status, phase, message string) error
}

// Charts is the slice of the chart store the worker drives.
type Charts interface {
	MarkProcessing(chartNumber string) error
	StoreResults(chartNumber string, aiPayload map[string]interface{}, slaData map[string]interface{}) error
	RecordError(chartNumber, errorMessage string, willRetry bool, attempts int) error
}

// Documents is the slice of the document repository the worker drives.
type Documents interface {
	ListByChart(chartID uint) ([]models.ClinicalDocument, error)
	UpdateOCRSuccess(id uint, text string, elapsedMs int64) error
	UpdateOCRFailure(id uint) error
	SaveSummary(id uint, summary string) error
}

// Extractor turns one document into text.
type Extractor interface {
	Extract(ctx context.Context, doc models.ClinicalDocument) services.ExtractionResult
}

// Coder is the LLM collaborator.
type Coder interface {
	GenerateCodes(ctx context.Context, chartInfo models.ChartInfo, documents []services.ExtractedDocument) (map[string]interface{}, error)
	SummarizeDocument(ctx context.Context, fileName, text string) (string, error)
}

// Worker claims jobs one at a time and drives the extract → synthesize →
// persist pipeline. Multiple worker processes may run concurrently;
// correctness relies entirely on the atomic claim.
type Worker struct {
	ID string

	queue     Queue
	charts    Charts
	documents Documents
	extractor Extractor
	coder     Coder

	pollInterval time.Duration
	stuckMinutes int

	shutdown chan struct{}
	wg       sync.WaitGroup

	// drainMu keeps the poll loop and the LISTEN wake from draining at once
	drainMu sync.Mutex
}

// NewWorker builds a worker with a stable attributable identity.
func NewWorker(queue Queue, charts Charts, documents Documents, extractor Extractor, coder Coder) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	pollSecs := 2
	if v := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			pollSecs = parsed
		}
	}

	stuckMins := 30
	if v := os.Getenv("STUCK_JOB_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			stuckMins = parsed
		}
	}

	return &Worker{
		ID:           fmt.Sprintf("worker-%s-%d", host, os.Getpid()),
		queue:        queue,
		charts:       charts,
		documents:    documents,
		extractor:    extractor,
		coder:        coder,
		pollInterval: time.Duration(pollSecs) * time.Second,
		stuckMinutes: stuckMins,
		shutdown:     make(chan struct{}),
	}
}

// Start begins the worker loop. Blocks until Stop is called; the in-flight
// job is drained before exit.
func (w *Worker) Start() {
	log.Printf("🤖 Worker %s started", w.ID)

	// Recover leases abandoned by crashed workers before taking new work
	if released, err := w.queue.ReleaseStuck(w.stuckMinutes); err != nil {
		log.Printf("⚠️  Startup stuck-job release failed: %v", err)
	} else if released > 0 {
		log.Printf("♻️  Startup released %d stuck job(s)", released)
	}

	// LISTEN for instant wake on new jobs
	w.wg.Add(1)
	go w.listenForJobs()

	// Fallback polling in case notifications are dropped
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			log.Printf("🛑 Worker %s shutting down...", w.ID)
			w.wg.Wait()
			log.Printf("✅ Worker %s stopped", w.ID)
			return
		case <-ticker.C:
			w.processAvailableJobs()
		}
	}
}

// Stop signals the worker to shut down gracefully.
func (w *Worker) Stop() {
	close(w.shutdown)
}

// listenForJobs sets up PostgreSQL LISTEN on the wake channel with
// auto-reconnect. Polling covers any gap while the listener is down.
func (w *Worker) listenForJobs() {
	defer w.wg.Done()

	eventCallback := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("✅ [LISTEN] Connected - instant job pickup enabled")
		case pq.ListenerEventDisconnected:
			log.Println("ℹ️  [LISTEN] Disconnected (polling fallback active)")
		case pq.ListenerEventReconnected:
			log.Println("✅ [LISTEN] Reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			if err != nil && !strings.Contains(err.Error(), "connection") {
				log.Printf("⚠️  [LISTEN] Error: %v (polling fallback active)", err)
			}
		}
	}

	listener := pq.NewListener(database.DSN(), 10*time.Second, time.Minute, eventCallback)

	if err := listener.Listen(database.JobWakeChannel); err != nil {
		log.Printf("⚠️  Failed to listen on %s: %v (polling only)", database.JobWakeChannel, err)
		return
	}
	defer listener.Close()

	log.Printf("👂 Listening for job notifications on %s...", database.JobWakeChannel)

	keepaliveTicker := time.NewTicker(60 * time.Second)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-w.shutdown:
			log.Println("🔕 Stopping job listener...")
			return

		case notification := <-listener.Notify:
			if notification != nil {
				w.processAvailableJobs()
			}
			// nil means the connection dropped; pq.Listener reconnects itself

		case <-keepaliveTicker.C:
			go func() {
				_ = listener.Ping()
			}()
		}
	}
}

// processAvailableJobs drains the queue, one job at a time, until nothing is
// claimable or shutdown is requested.
func (w *Worker) processAvailableJobs() {
	// A drain already in progress claims until the queue is empty
	if !w.drainMu.TryLock() {
		return
	}
	defer w.drainMu.Unlock()

	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		job, err := w.queue.ClaimNext(w.ID)
		if err != nil {
			// Database unavailable: fail fast, the next poll retries
			log.Printf("⚠️  Claim failed: %v", err)
			return
		}
		if job == nil {
			return // No jobs available
		}

		w.ProcessJob(job)
	}
}

// ProcessJob runs the whole pipeline for one claimed job. Every outcome ends
// in exactly one terminal queue transition and one chart-status update.
func (w *Worker) ProcessJob(job *models.ProcessingJob) {
	log.Printf("⚙️  Processing job %s (chart: %s, attempt: %d/%d)",
		job.JobID, job.ChartNumber, job.Attempts, job.MaxAttempts)

	var payload models.JobPayload
	if err := json.Unmarshal([]byte(job.JobData), &payload); err != nil {
		w.failJob(job, fmt.Errorf("invalid job data: %w", err))
		return
	}

	if err := w.runPipeline(job, payload); err != nil {
		w.failJob(job, err)
	}
}

// runPipeline executes phases 1-5. Any returned error is the single
// retry-vs-permanent decision point for the job.
func (w *Worker) runPipeline(job *models.ProcessingJob, payload models.JobPayload) error {
	ctx := context.Background()
	started := time.Now()

	// Phase 1: enter processing. MarkProcessing emits the chart event in the
	// same transaction as the status write.
	w.notify(job.JobID, models.JobStatusProcessing, "start", "processing started")
	if err := w.charts.MarkProcessing(job.ChartNumber); err != nil {
		return fmt.Errorf("failed to mark chart processing: %w", err)
	}

	// The authoritative document list comes from the store, not job_data, so
	// documents added between enqueue and claim are included
	docs, err := w.documents.ListByChart(payload.ChartID)
	if err != nil {
		return fmt.Errorf("failed to load documents: %w", err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("chart %s has no documents to process", job.ChartNumber)
	}

	// Phase 2: text extraction, partial-failure tolerant
	w.notify(job.JobID, models.JobStatusProcessing, "extraction",
		fmt.Sprintf("extracting text from %d document(s)", len(docs)))

	var extracted []services.ExtractedDocument
	failedCount := 0
	for _, doc := range docs {
		res := w.extractor.Extract(ctx, doc)
		if res.Err != nil {
			failedCount++
			log.Printf("⚠️  Extraction failed for document #%d (%s): %v", doc.ID, doc.FileName, res.Err)
			if err := w.documents.UpdateOCRFailure(doc.ID); err != nil {
				log.Printf("⚠️  Failed to record extraction failure for document #%d: %v", doc.ID, err)
			}
			continue
		}

		if err := w.documents.UpdateOCRSuccess(doc.ID, res.Text, res.ElapsedMs); err != nil {
			log.Printf("⚠️  Failed to record extraction result for document #%d: %v", doc.ID, err)
		}
		extracted = append(extracted, services.ExtractedDocument{
			DocumentID: res.DocumentID,
			FileName:   res.FileName,
			Text:       res.Text,
		})
	}

	w.notify(job.JobID, models.JobStatusProcessing, "extraction",
		fmt.Sprintf("extraction done: %d succeeded, %d failed", len(extracted), failedCount))

	if len(extracted) == 0 {
		return fmt.Errorf("text extraction failed for all %d document(s)", len(docs))
	}

	// Phase 3: coding synthesis
	w.notify(job.JobID, models.JobStatusProcessing, "coding", "generating medical codes")
	result, err := w.coder.GenerateCodes(ctx, payload.ChartInfo, extracted)
	if err != nil {
		return fmt.Errorf("coding synthesis failed: %w", err)
	}
	if result == nil {
		return fmt.Errorf("coding synthesis returned no data")
	}

	// Phase 4: per-document summaries, best effort
	w.notify(job.JobID, models.JobStatusProcessing, "summaries", "generating document summaries")
	for _, doc := range extracted {
		summary, err := w.coder.SummarizeDocument(ctx, doc.FileName, doc.Text)
		if err != nil {
			log.Printf("⚠️  Summary failed for document #%d: %v", doc.DocumentID, err)
			continue
		}
		if err := w.documents.SaveSummary(doc.DocumentID, summary); err != nil {
			log.Printf("⚠️  Failed to save summary for document #%d: %v", doc.DocumentID, err)
		}
	}

	// Phase 5: persist
	sla := map[string]interface{}{
		"processing_ms":       time.Since(started).Milliseconds(),
		"documents_total":     len(docs),
		"documents_extracted": len(extracted),
		"documents_failed":    failedCount,
		"completed_at":        time.Now().Format(time.RFC3339),
	}
	if err := w.charts.StoreResults(job.ChartNumber, result, sla); err != nil {
		return fmt.Errorf("failed to persist results: %w", err)
	}

	if err := w.queue.Complete(job.JobID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	log.Printf("✅ Job %s completed in %dms (%d/%d documents extracted)",
		job.JobID, time.Since(started).Milliseconds(), len(extracted), len(docs))
	return nil
}

// failJob is the single catch point: one Fail, one RecordError. Both emit
// their notifications inside the transactions that record the state.
func (w *Worker) failJob(job *models.ProcessingJob, jobErr error) {
	log.Printf("❌ Job %s failed: %v", job.JobID, jobErr)

	decision, err := w.queue.Fail(job.JobID, jobErr.Error())
	if err != nil {
		log.Printf("⚠️  Failed to record job failure for %s: %v", job.JobID, err)
		return
	}

	if err := w.charts.RecordError(job.ChartNumber, jobErr.Error(), decision.WillRetry, decision.Attempts); err != nil {
		log.Printf("⚠️  Failed to record chart error for %s: %v", job.ChartNumber, err)
	}
}

func (w *Worker) notify(jobID, status, phase, message string) {
	if err := w.queue.NotifyStatus(jobID, status, phase, message); err != nil {
		log.Printf("⚠️  Notify failed for job %s: %v", jobID, err)
	}
}
