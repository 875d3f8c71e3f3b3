package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"medx-coding-support/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	writeWait      = 10 * time.Second
	clientSendBuf  = 64
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JobLookup provides the current job state sent to late subscribers.
type JobLookup interface {
	GetJob(jobID string) (*models.ProcessingJob, error)
}

// wsClient is one connected dashboard.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	jobIDs   map[string]bool
	sessions map[string]bool
	gotPong  bool
}

// Hub fans database notifications out to subscribed WebSocket clients.
// Subscriptions are keyed by job id and by chart session id.
type Hub struct {
	mu        sync.RWMutex
	jobSubs   map[string]map[*wsClient]bool
	chartSubs map[string]map[*wsClient]bool

	jobs JobLookup
}

func NewHub(jobs JobLookup) *Hub {
	return &Hub{
		jobSubs:   make(map[string]map[*wsClient]bool),
		chartSubs: make(map[string]map[*wsClient]bool),
		jobs:      jobs,
	}
}

// HandleWS upgrades /api/ws connections and runs the client until it drops.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️  [WS] Upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, clientSendBuf),
		jobIDs:   make(map[string]bool),
		sessions: make(map[string]bool),
		gotPong:  true,
	}

	go h.writePump(client)
	h.readPump(client)
}

// readPump parses client frames and maintains the subscription maps.
func (h *Hub) readPump(client *wsClient) {
	defer h.dropClient(client)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetPongHandler(func(string) error {
		client.mu.Lock()
		client.gotPong = true
		client.mu.Unlock()
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			// 1005/1006 are normal disconnects, not worth logging loudly
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️  [WS] Read error: %v", err)
			}
			return
		}

		var frame struct {
			Type       string   `json:"type"`
			JobID      string   `json:"jobId"`
			SessionIDs []string `json:"sessionIds"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.sendJSON(gin.H{"type": "error", "message": "invalid JSON frame"})
			continue
		}

		switch frame.Type {
		case "subscribe":
			if frame.JobID == "" {
				client.sendJSON(gin.H{"type": "error", "message": "subscribe requires jobId"})
				continue
			}
			h.subscribeJob(client, frame.JobID)
			client.sendJSON(gin.H{
				"type":      "subscribed",
				"jobId":     frame.JobID,
				"timestamp": time.Now().Format(time.RFC3339),
			})
			h.sendCurrentJobState(client, frame.JobID)

		case "unsubscribe":
			h.unsubscribeJob(client, frame.JobID)
			client.sendJSON(gin.H{
				"type":      "unsubscribed",
				"jobId":     frame.JobID,
				"timestamp": time.Now().Format(time.RFC3339),
			})

		case "subscribe_charts":
			if len(frame.SessionIDs) == 0 {
				client.sendJSON(gin.H{"type": "error", "message": "subscribe_charts requires sessionIds"})
				continue
			}
			h.subscribeCharts(client, frame.SessionIDs)
			client.sendJSON(gin.H{
				"type":       "charts_subscribed",
				"sessionIds": frame.SessionIDs,
				"timestamp":  time.Now().Format(time.RFC3339),
			})

		case "unsubscribe_charts":
			h.unsubscribeAllCharts(client)
			client.sendJSON(gin.H{
				"type":      "charts_unsubscribed",
				"timestamp": time.Now().Format(time.RFC3339),
			})

		default:
			client.sendJSON(gin.H{"type": "error", "message": "unknown message type"})
		}
	}
}

// writePump flushes outbound frames and enforces the ping/pong health check:
// a client that misses a pong by the next tick is terminated.
func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			client.mu.Lock()
			alive := client.gotPong
			client.gotPong = false
			client.mu.Unlock()

			if !alive {
				log.Println("💔 [WS] Client missed pong, terminating")
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendCurrentJobState pushes the job's present state so late subscribers are
// not blind until the next transition.
func (h *Hub) sendCurrentJobState(client *wsClient, jobID string) {
	if h.jobs == nil {
		return
	}
	job, err := h.jobs.GetJob(jobID)
	if err != nil {
		return
	}
	client.sendJSON(gin.H{
		"type":      "status_update",
		"jobId":     job.JobID,
		"status":    job.Status,
		"phase":     "current_state",
		"message":   job.ErrorMessage,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// PublishJobEvent forwards a job_status_update payload to its subscribers.
func (h *Hub) PublishJobEvent(ev models.JobStatusUpdate) {
	frame, err := json.Marshal(gin.H{
		"type":      "status_update",
		"jobId":     ev.JobID,
		"status":    ev.Status,
		"phase":     ev.Phase,
		"message":   ev.Message,
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	subs := h.jobSubs[ev.JobID]
	clients := make([]*wsClient, 0, len(subs))
	for c := range subs {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
}

// PublishChartEvent forwards a chart_status_update payload to its subscribers.
func (h *Hub) PublishChartEvent(ev models.ChartStatusUpdate) {
	frame, err := json.Marshal(gin.H{
		"type":      "chart_status_update",
		"sessionId": ev.SessionID,
		"aiStatus":  ev.AIStatus,
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	subs := h.chartSubs[ev.SessionID]
	clients := make([]*wsClient, 0, len(subs))
	for c := range subs {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
}

// BroadcastChartStatus is the same-process fast path for events originating
// in the process hosting the WebSocket server. It bypasses the database.
func (h *Hub) BroadcastChartStatus(sessionID, aiStatus string) {
	h.PublishChartEvent(models.ChartStatusUpdate{
		SessionID: sessionID,
		AIStatus:  aiStatus,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (h *Hub) subscribeJob(client *wsClient, jobID string) {
	h.mu.Lock()
	if h.jobSubs[jobID] == nil {
		h.jobSubs[jobID] = make(map[*wsClient]bool)
	}
	h.jobSubs[jobID][client] = true
	h.mu.Unlock()

	client.mu.Lock()
	client.jobIDs[jobID] = true
	client.mu.Unlock()
}

func (h *Hub) unsubscribeJob(client *wsClient, jobID string) {
	h.mu.Lock()
	if subs := h.jobSubs[jobID]; subs != nil {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
	h.mu.Unlock()

	client.mu.Lock()
	delete(client.jobIDs, jobID)
	client.mu.Unlock()
}

func (h *Hub) subscribeCharts(client *wsClient, sessionIDs []string) {
	h.mu.Lock()
	for _, id := range sessionIDs {
		if h.chartSubs[id] == nil {
			h.chartSubs[id] = make(map[*wsClient]bool)
		}
		h.chartSubs[id][client] = true
	}
	h.mu.Unlock()

	client.mu.Lock()
	for _, id := range sessionIDs {
		client.sessions[id] = true
	}
	client.mu.Unlock()
}

func (h *Hub) unsubscribeAllCharts(client *wsClient) {
	client.mu.Lock()
	sessions := make([]string, 0, len(client.sessions))
	for id := range client.sessions {
		sessions = append(sessions, id)
	}
	client.sessions = make(map[string]bool)
	client.mu.Unlock()

	h.mu.Lock()
	for _, id := range sessions {
		if subs := h.chartSubs[id]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.chartSubs, id)
			}
		}
	}
	h.mu.Unlock()
}

// dropClient removes every subscription the client holds and closes it.
func (h *Hub) dropClient(client *wsClient) {
	client.mu.Lock()
	jobIDs := make([]string, 0, len(client.jobIDs))
	for id := range client.jobIDs {
		jobIDs = append(jobIDs, id)
	}
	sessions := make([]string, 0, len(client.sessions))
	for id := range client.sessions {
		sessions = append(sessions, id)
	}
	client.mu.Unlock()

	h.mu.Lock()
	for _, id := range jobIDs {
		if subs := h.jobSubs[id]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.jobSubs, id)
			}
		}
	}
	for _, id := range sessions {
		if subs := h.chartSubs[id]; subs != nil {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.chartSubs, id)
			}
		}
	}
	h.mu.Unlock()

	close(client.send)
}

func (c *wsClient) sendJSON(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// enqueue drops the frame rather than blocking the hub on a slow client.
func (c *wsClient) enqueue(frame []byte) {
	defer func() {
		recover() // send on closed channel during teardown
	}()
	select {
	case c.send <- frame:
	default:
	}
}
