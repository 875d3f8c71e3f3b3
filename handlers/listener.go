package handlers

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"medx-coding-support/database"
	"medx-coding-support/models"

	"github.com/lib/pq"
)

const (
	listenerKeepalive = 30 * time.Second
	reconnectDelay    = 5 * time.Second
)

// BusListener holds the dedicated LISTEN connection that joins the database
// notification channels to the in-process Hub.
type BusListener struct {
	hub *Hub

	mu           sync.Mutex
	reconnecting bool

	shutdown chan struct{}
}

func NewBusListener(hub *Hub) *BusListener {
	return &BusListener{
		hub:      hub,
		shutdown: make(chan struct{}),
	}
}

// Start runs the listener loop in the background.
func (l *BusListener) Start() {
	go l.run()
}

// Stop terminates the listener.
func (l *BusListener) Stop() {
	close(l.shutdown)
}

func (l *BusListener) run() {
	for {
		select {
		case <-l.shutdown:
			return
		default:
		}

		if err := l.listen(); err != nil {
			log.Printf("⚠️  [BusListener] Connection error: %v", err)
		}

		// Tear down and retry with a fixed delay; the guard keeps concurrent
		// error paths from stacking reconnect attempts
		l.mu.Lock()
		if l.reconnecting {
			l.mu.Unlock()
			return
		}
		l.reconnecting = true
		l.mu.Unlock()

		select {
		case <-l.shutdown:
			return
		case <-time.After(reconnectDelay):
		}

		l.mu.Lock()
		l.reconnecting = false
		l.mu.Unlock()
	}
}

// listen subscribes to both status channels and pumps notifications into the
// hub until the connection fails.
func (l *BusListener) listen() error {
	errCh := make(chan error, 1)
	eventCallback := func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed && err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}

	listener := pq.NewListener(database.DSN(), reconnectDelay, time.Minute, eventCallback)
	defer listener.Close()

	if err := listener.Listen(database.JobStatusChannel); err != nil {
		return err
	}
	if err := listener.Listen(database.ChartStatusChannel); err != nil {
		return err
	}

	log.Printf("👂 [BusListener] Listening on %s and %s", database.JobStatusChannel, database.ChartStatusChannel)

	keepalive := time.NewTicker(listenerKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-l.shutdown:
			return nil

		case err := <-errCh:
			return err

		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost and re-established; resubscription is
				// handled by pq, late events are covered by initial-state
				// sends on subscribe
				continue
			}
			l.dispatch(notification.Channel, notification.Extra)

		case <-keepalive.C:
			// No-op query keeps idle connections from being reaped
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one notification payload to the hub.
func (l *BusListener) dispatch(channel, payload string) {
	switch channel {
	case database.JobStatusChannel:
		var ev models.JobStatusUpdate
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("⚠️  [BusListener] Bad job event payload: %v", err)
			return
		}
		l.hub.PublishJobEvent(ev)

	case database.ChartStatusChannel:
		var ev models.ChartStatusUpdate
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("⚠️  [BusListener] Bad chart event payload: %v", err)
			return
		}
		l.hub.PublishChartEvent(ev)
	}
}
