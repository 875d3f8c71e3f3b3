package handlers

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medx-coding-support/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobLookup struct {
	jobs map[string]*models.ProcessingJob
}

func (f *fakeJobLookup) GetJob(jobID string) (*models.ProcessingJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func newTestHubServer(t *testing.T, lookup JobLookup) (*Hub, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(lookup)
	router := gin.New()
	router.GET("/api/ws", hub.HandleWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestWS_SubscribeAcksAndSendsCurrentState(t *testing.T) {
	lookup := &fakeJobLookup{jobs: map[string]*models.ProcessingJob{
		"job-abc": {JobID: "job-abc", Status: models.JobStatusProcessing},
	}}
	_, conn := newTestHubServer(t, lookup)

	sendFrame(t, conn, gin.H{"type": "subscribe", "jobId": "job-abc"})

	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, "job-abc", ack["jobId"])
	assert.NotEmpty(t, ack["timestamp"])

	// Late subscribers immediately get the job's present state
	state := readFrame(t, conn)
	assert.Equal(t, "status_update", state["type"])
	assert.Equal(t, "job-abc", state["jobId"])
	assert.Equal(t, models.JobStatusProcessing, state["status"])
	assert.Equal(t, "current_state", state["phase"])
}

func TestWS_JobEventsReachSubscribers(t *testing.T) {
	lookup := &fakeJobLookup{jobs: map[string]*models.ProcessingJob{
		"job-abc": {JobID: "job-abc", Status: models.JobStatusPending},
	}}
	hub, conn := newTestHubServer(t, lookup)

	sendFrame(t, conn, gin.H{"type": "subscribe", "jobId": "job-abc"})
	readFrame(t, conn) // ack
	readFrame(t, conn) // current state

	hub.PublishJobEvent(models.JobStatusUpdate{
		JobID:     "job-abc",
		Status:    models.JobStatusProcessing,
		Phase:     "extraction",
		Message:   "extracting text from 3 document(s)",
		Timestamp: time.Now().Format(time.RFC3339),
	})

	ev := readFrame(t, conn)
	assert.Equal(t, "status_update", ev["type"])
	assert.Equal(t, "extraction", ev["phase"])
	assert.Equal(t, "extracting text from 3 document(s)", ev["message"])
}

func TestWS_EventsForOtherJobsAreNotDelivered(t *testing.T) {
	lookup := &fakeJobLookup{jobs: map[string]*models.ProcessingJob{
		"job-abc": {JobID: "job-abc", Status: models.JobStatusPending},
	}}
	hub, conn := newTestHubServer(t, lookup)

	sendFrame(t, conn, gin.H{"type": "subscribe", "jobId": "job-abc"})
	readFrame(t, conn) // ack
	readFrame(t, conn) // current state

	hub.PublishJobEvent(models.JobStatusUpdate{JobID: "job-other", Status: models.JobStatusCompleted})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err) // nothing arrives
}

func TestWS_UnsubscribeStopsDelivery(t *testing.T) {
	lookup := &fakeJobLookup{jobs: map[string]*models.ProcessingJob{
		"job-abc": {JobID: "job-abc", Status: models.JobStatusPending},
	}}
	hub, conn := newTestHubServer(t, lookup)

	sendFrame(t, conn, gin.H{"type": "subscribe", "jobId": "job-abc"})
	readFrame(t, conn)
	readFrame(t, conn)

	sendFrame(t, conn, gin.H{"type": "unsubscribe", "jobId": "job-abc"})
	ack := readFrame(t, conn)
	assert.Equal(t, "unsubscribed", ack["type"])

	hub.PublishJobEvent(models.JobStatusUpdate{JobID: "job-abc", Status: models.JobStatusCompleted})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWS_ChartSubscriptionAndFastPathBroadcast(t *testing.T) {
	hub, conn := newTestHubServer(t, &fakeJobLookup{})

	sendFrame(t, conn, gin.H{"type": "subscribe_charts", "sessionIds": []string{"sess-1", "sess-2"}})
	ack := readFrame(t, conn)
	assert.Equal(t, "charts_subscribed", ack["type"])

	// Same-process fast path, no database round trip
	hub.BroadcastChartStatus("sess-2", models.AIStatusReady)

	ev := readFrame(t, conn)
	assert.Equal(t, "chart_status_update", ev["type"])
	assert.Equal(t, "sess-2", ev["sessionId"])
	assert.Equal(t, models.AIStatusReady, ev["aiStatus"])
	assert.NotEmpty(t, ev["timestamp"])
}

func TestWS_UnsubscribeChartsClearsAll(t *testing.T) {
	hub, conn := newTestHubServer(t, &fakeJobLookup{})

	sendFrame(t, conn, gin.H{"type": "subscribe_charts", "sessionIds": []string{"sess-1"}})
	readFrame(t, conn)

	sendFrame(t, conn, gin.H{"type": "unsubscribe_charts"})
	ack := readFrame(t, conn)
	assert.Equal(t, "charts_unsubscribed", ack["type"])

	hub.BroadcastChartStatus("sess-1", models.AIStatusReady)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWS_MalformedFramesGetErrorResponses(t *testing.T) {
	_, conn := newTestHubServer(t, &fakeJobLookup{})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	ev := readFrame(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "invalid JSON frame", ev["message"])

	sendFrame(t, conn, gin.H{"type": "warp_drive"})
	ev = readFrame(t, conn)
	assert.Equal(t, "error", ev["type"])

	sendFrame(t, conn, gin.H{"type": "subscribe"})
	ev = readFrame(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Contains(t, ev["message"], "jobId")
}

func TestWS_DisconnectCleansUpSubscriptions(t *testing.T) {
	lookup := &fakeJobLookup{jobs: map[string]*models.ProcessingJob{
		"job-abc": {JobID: "job-abc", Status: models.JobStatusPending},
	}}
	hub, conn := newTestHubServer(t, lookup)

	sendFrame(t, conn, gin.H{"type": "subscribe", "jobId": "job-abc"})
	readFrame(t, conn)
	readFrame(t, conn)

	conn.Close()

	// readPump notices the close and drops the client
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.jobSubs["job-abc"]) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Publishing afterwards must not panic
	hub.PublishJobEvent(models.JobStatusUpdate{JobID: "job-abc", Status: models.JobStatusCompleted})
}
