package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"medx-coding-support/models"
	"medx-coding-support/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeQueue struct {
	completed    []string
	failed       []string
	failMessages []string
	decision     services.FailDecision
	notifies     []string
}

func (q *fakeQueue) ClaimNext(workerID string) (*models.ProcessingJob, error) { return nil, nil }

func (q *fakeQueue) Complete(jobID string) error {
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) Fail(jobID, errorMessage string) (*services.FailDecision, error) {
	q.failed = append(q.failed, jobID)
	q.failMessages = append(q.failMessages, errorMessage)
	d := q.decision
	return &d, nil
}

func (q *fakeQueue) ReleaseStuck(stuckMinutes int) (int64, error) { return 0, nil }

func (q *fakeQueue) NotifyStatus(jobID, status, phase, message string) error {
	q.notifies = append(q.notifies, phase)
	return nil
}

type fakeCharts struct {
	processing  []string
	results     map[string]map[string]interface{}
	slaByChart  map[string]map[string]interface{}
	errors      []string
	errRetry    []bool
	errAttempts []int
	storeErr    error
}

func newFakeCharts() *fakeCharts {
	return &fakeCharts{
		results:    make(map[string]map[string]interface{}),
		slaByChart: make(map[string]map[string]interface{}),
	}
}

func (c *fakeCharts) MarkProcessing(chartNumber string) error {
	c.processing = append(c.processing, chartNumber)
	return nil
}

func (c *fakeCharts) StoreResults(chartNumber string, aiPayload map[string]interface{}, slaData map[string]interface{}) error {
	if c.storeErr != nil {
		return c.storeErr
	}
	c.results[chartNumber] = aiPayload
	c.slaByChart[chartNumber] = slaData
	return nil
}

func (c *fakeCharts) RecordError(chartNumber, errorMessage string, willRetry bool, attempts int) error {
	c.errors = append(c.errors, errorMessage)
	c.errRetry = append(c.errRetry, willRetry)
	c.errAttempts = append(c.errAttempts, attempts)
	return nil
}

type fakeDocs struct {
	docs      []models.ClinicalDocument
	succeeded []uint
	failedIDs []uint
	summaries map[uint]string
}

func newFakeDocs(docs ...models.ClinicalDocument) *fakeDocs {
	return &fakeDocs{docs: docs, summaries: make(map[uint]string)}
}

func (d *fakeDocs) ListByChart(chartID uint) ([]models.ClinicalDocument, error) { return d.docs, nil }

func (d *fakeDocs) UpdateOCRSuccess(id uint, text string, elapsedMs int64) error {
	d.succeeded = append(d.succeeded, id)
	return nil
}

func (d *fakeDocs) UpdateOCRFailure(id uint) error {
	d.failedIDs = append(d.failedIDs, id)
	return nil
}

func (d *fakeDocs) SaveSummary(id uint, summary string) error {
	d.summaries[id] = summary
	return nil
}

type fakeExtractor struct {
	// failFor marks document ids whose extraction fails
	failFor map[uint]bool
}

func (e *fakeExtractor) Extract(ctx context.Context, doc models.ClinicalDocument) services.ExtractionResult {
	if e.failFor[doc.ID] {
		return services.ExtractionResult{DocumentID: doc.ID, FileName: doc.FileName, Err: fmt.Errorf("scan unreadable")}
	}
	return services.ExtractionResult{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Text:       fmt.Sprintf("text of %s", doc.FileName),
		ElapsedMs:  50,
	}
}

type fakeCoder struct {
	payload    map[string]interface{}
	codeErr    error
	summaryErr error
	codedDocs  []services.ExtractedDocument
}

func (c *fakeCoder) GenerateCodes(ctx context.Context, chartInfo models.ChartInfo, documents []services.ExtractedDocument) (map[string]interface{}, error) {
	c.codedDocs = documents
	if c.codeErr != nil {
		return nil, c.codeErr
	}
	return c.payload, nil
}

func (c *fakeCoder) SummarizeDocument(ctx context.Context, fileName, text string) (string, error) {
	if c.summaryErr != nil {
		return "", c.summaryErr
	}
	return "summary of " + fileName, nil
}

// --- helpers ---

func makeJob(t *testing.T, chartID uint, chartNumber, sessionID string, attempts int) *models.ProcessingJob {
	t.Helper()

	payload := models.JobPayload{
		ChartID:     chartID,
		ChartNumber: chartNumber,
		SessionID:   sessionID,
		ChartInfo:   models.ChartInfo{ChartNumber: chartNumber, PatientName: "Doe, Jane"},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	now := time.Now()
	return &models.ProcessingJob{
		JobID:       "job-test",
		ChartID:     chartID,
		ChartNumber: chartNumber,
		Status:      models.JobStatusProcessing,
		JobData:     string(raw),
		Attempts:    attempts,
		MaxAttempts: 3,
		LockedAt:    &now,
	}
}

func newTestWorker(q Queue, c Charts, d Documents, e Extractor, coder Coder) *Worker {
	return &Worker{
		ID:           "worker-test-1",
		queue:        q,
		charts:       c,
		documents:    d,
		extractor:    e,
		coder:        coder,
		pollInterval: time.Second,
		stuckMinutes: 30,
		shutdown:     make(chan struct{}),
	}
}

var codingPayload = map[string]interface{}{
	"diagnosis_codes": map[string]interface{}{
		"primary_diagnosis": []interface{}{
			map[string]interface{}{"icd_10_code": "K35.80"},
		},
	},
}

// --- tests ---

func TestProcessJob_HappyPath(t *testing.T) {
	queue := &fakeQueue{}
	charts := newFakeCharts()
	docs := newFakeDocs(models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "scan.pdf", MimeType: "application/pdf"})
	coder := &fakeCoder{payload: codingPayload}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	// Exactly one terminal queue transition
	assert.Equal(t, []string{"job-test"}, queue.completed)
	assert.Empty(t, queue.failed)

	// Chart progressed processing → ready with the coder's payload
	assert.Equal(t, []string{"CH-100"}, charts.processing)
	require.Contains(t, charts.results, "CH-100")
	assert.Equal(t, codingPayload, charts.results["CH-100"])
	assert.Empty(t, charts.errors)

	// Document outcome recorded, summary stored
	assert.Equal(t, []uint{1}, docs.succeeded)
	assert.Equal(t, "summary of scan.pdf", docs.summaries[1])

	// Phase checkpoints were announced
	assert.Contains(t, queue.notifies, "extraction")
	assert.Contains(t, queue.notifies, "coding")
}

func TestProcessJob_PartialExtractionFailureStillCompletes(t *testing.T) {
	queue := &fakeQueue{}
	charts := newFakeCharts()
	docs := newFakeDocs(
		models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"},
		models.ClinicalDocument{ID: 2, ChartID: 10, FileName: "b.pdf", MimeType: "application/pdf"},
		models.ClinicalDocument{ID: 3, ChartID: 10, FileName: "c.pdf", MimeType: "application/pdf"},
	)
	coder := &fakeCoder{payload: codingPayload}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{failFor: map[uint]bool{2: true}}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	assert.Equal(t, []string{"job-test"}, queue.completed)
	assert.Empty(t, queue.failed)

	// The failed document is marked, the rest proceed
	assert.Equal(t, []uint{2}, docs.failedIDs)
	assert.ElementsMatch(t, []uint{1, 3}, docs.succeeded)

	// The prompt was built from exactly the successful documents
	require.Len(t, coder.codedDocs, 2)
	names := []string{coder.codedDocs[0].FileName, coder.codedDocs[1].FileName}
	assert.ElementsMatch(t, []string{"a.pdf", "c.pdf"}, names)
}

func TestProcessJob_AllExtractionsFailedFailsJob(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 1, MaxAttempts: 3, WillRetry: true}}
	charts := newFakeCharts()
	docs := newFakeDocs(
		models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"},
		models.ClinicalDocument{ID: 2, ChartID: 10, FileName: "b.pdf", MimeType: "application/pdf"},
	)
	coder := &fakeCoder{payload: codingPayload}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{failFor: map[uint]bool{1: true, 2: true}}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	require.Len(t, queue.failed, 1)
	assert.Empty(t, queue.completed)
	assert.Contains(t, queue.failMessages[0], "text extraction failed for all 2 document(s)")

	// The coder never ran
	assert.Nil(t, coder.codedDocs)

	// Chart got the retriable outcome
	require.Len(t, charts.errors, 1)
	assert.True(t, charts.errRetry[0])
	assert.Equal(t, 1, charts.errAttempts[0])
}

func TestProcessJob_LLMFailureIsRetriable(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 1, MaxAttempts: 3, WillRetry: true}}
	charts := newFakeCharts()
	docs := newFakeDocs(models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"})
	coder := &fakeCoder{codeErr: fmt.Errorf("timeout")}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	require.Len(t, queue.failed, 1)
	assert.Contains(t, queue.failMessages[0], "coding synthesis failed")
	assert.Contains(t, queue.failMessages[0], "timeout")
	require.Len(t, charts.errors, 1)
	assert.True(t, charts.errRetry[0])
}

func TestProcessJob_PermanentFailureMarksChartFailed(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 3, MaxAttempts: 3, WillRetry: false, IsPermanentlyFailed: true}}
	charts := newFakeCharts()
	docs := newFakeDocs(models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"})
	coder := &fakeCoder{codeErr: fmt.Errorf("model unavailable")}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 3))

	require.Len(t, charts.errors, 1)
	assert.False(t, charts.errRetry[0])
	assert.Equal(t, 3, charts.errAttempts[0])
}

func TestProcessJob_SummaryFailureDoesNotFailJob(t *testing.T) {
	queue := &fakeQueue{}
	charts := newFakeCharts()
	docs := newFakeDocs(models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"})
	coder := &fakeCoder{payload: codingPayload, summaryErr: fmt.Errorf("summary model down")}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	assert.Equal(t, []string{"job-test"}, queue.completed)
	assert.Empty(t, queue.failed)
	assert.Empty(t, docs.summaries)
}

func TestProcessJob_PersistFailureFailsJob(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 1, MaxAttempts: 3, WillRetry: true}}
	charts := newFakeCharts()
	charts.storeErr = fmt.Errorf("connection reset")
	docs := newFakeDocs(models.ClinicalDocument{ID: 1, ChartID: 10, FileName: "a.pdf", MimeType: "application/pdf"})
	coder := &fakeCoder{payload: codingPayload}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	require.Len(t, queue.failed, 1)
	assert.Contains(t, queue.failMessages[0], "failed to persist results")
	assert.Empty(t, queue.completed)
}

func TestProcessJob_NoDocumentsFailsJob(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 1, MaxAttempts: 3, WillRetry: true}}
	charts := newFakeCharts()
	docs := newFakeDocs()
	coder := &fakeCoder{payload: codingPayload}

	w := newTestWorker(queue, charts, docs, &fakeExtractor{}, coder)
	w.ProcessJob(makeJob(t, 10, "CH-100", "sess-1", 1))

	require.Len(t, queue.failed, 1)
	assert.Contains(t, queue.failMessages[0], "no documents")
}

func TestProcessJob_InvalidJobDataFailsJob(t *testing.T) {
	queue := &fakeQueue{decision: services.FailDecision{Attempts: 1, MaxAttempts: 3, WillRetry: true}}
	charts := newFakeCharts()

	w := newTestWorker(queue, charts, newFakeDocs(), &fakeExtractor{}, &fakeCoder{})
	w.ProcessJob(&models.ProcessingJob{
		JobID:       "job-bad",
		ChartNumber: "CH-100",
		JobData:     "{not json",
		Attempts:    1,
		MaxAttempts: 3,
	})

	require.Len(t, queue.failed, 1)
	assert.Contains(t, queue.failMessages[0], "invalid job data")
}

func TestNewWorker_IdentityIsAttributable(t *testing.T) {
	w := NewWorker(&fakeQueue{}, newFakeCharts(), newFakeDocs(), &fakeExtractor{}, &fakeCoder{})
	assert.Regexp(t, `^worker-.+-\d+$`, w.ID)
}
