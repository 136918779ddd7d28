package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
	"hybrid-llm-gateway/internal/scheduler"
)

// Source supplies the data pushed to dashboard clients.
type Source interface {
	LatestSnapshot(ctx context.Context) (*models.StatsSnapshot, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error)
}

// StateFunc returns the scheduler's live counters.
type StateFunc func() scheduler.State

// Update is the message sent to every client.
type Update struct {
	State    scheduler.State       `json:"state"`
	Snapshot *models.StatsSnapshot `json:"snapshot,omitempty"`
	Jobs     []models.Job          `json:"jobs"`
}

const (
	recentJobs   = 50
	writeTimeout = 5 * time.Second
)

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.Mutex
	src       Source
	state     StateFunc
	log       logx.Logger
}

// New creates a new WebSocket manager
func New(src Source, state StateFunc, log logx.Logger) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		src:     src,
		state:   state,
		log:     log.With(logx.String("comp", "websocket")),
	}
}

// AddClient adds a new WebSocket client
func (m *Manager) AddClient(conn *websocket.Conn) {
	wmu := &sync.Mutex{}
	m.clientsMu.Lock()
	m.clients[conn] = wmu
	n := len(m.clients)
	m.clientsMu.Unlock()

	m.log.Info("websocket.connect", logx.Int("clients", n))

	// Send initial data
	m.send(conn, wmu, m.buildUpdate())

	// Handle disconnection
	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			n := len(m.clients)
			m.clientsMu.Unlock()
			_ = conn.Close()
			m.log.Info("websocket.disconnect", logx.Int("clients", n))
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends the current state to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	if len(m.clients) == 0 {
		m.clientsMu.Unlock()
		return
	}
	targets := make(map[*websocket.Conn]*sync.Mutex, len(m.clients))
	for c, wmu := range m.clients {
		targets[c] = wmu
	}
	m.clientsMu.Unlock()

	update := m.buildUpdate()
	for c, wmu := range targets {
		go m.send(c, wmu, update)
	}
}

func (m *Manager) buildUpdate() Update {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var u Update
	if m.state != nil {
		u.State = m.state()
	}
	snap, err := m.src.LatestSnapshot(ctx)
	if err == nil {
		u.Snapshot = snap
	}
	jobs, err := m.src.ListJobs(ctx, recentJobs, 0)
	if err != nil {
		m.log.Warn("websocket.jobs_failed", logx.Err(err))
		jobs = []models.Job{}
	}
	u.Jobs = jobs
	return u
}

// send serializes writes per connection; gorilla connections allow one concurrent writer.
func (m *Manager) send(conn *websocket.Conn, wmu *sync.Mutex, u Update) {
	wmu.Lock()
	defer wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(u); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		m.log.Warn("websocket.write_failed", logx.Err(err))
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
