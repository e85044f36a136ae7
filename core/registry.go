package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/pulse/models"
)

// Conn is one open output stream tied to exactly one subscriber
// identity, owned exclusively by the process that accepted it.
type Conn struct {
	UserID    string
	ID        string
	CreatedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time

	send      chan *models.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(userID string, sendBufferSize int) *Conn {
	now := time.Now().UTC()
	return &Conn{
		UserID:        userID,
		ID:            uuid.NewString(),
		CreatedAt:     now,
		lastHeartbeat: now,
		send:          make(chan *models.Envelope, sendBufferSize),
		done:          make(chan struct{}),
	}
}

// Send queues an envelope for the connection's writer. Non-blocking: a
// full buffer drops the envelope so one stalled peer cannot stall a
// broadcast to all others.
func (c *Conn) Send(env *models.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close marks the connection finished. Idempotent; the stream endpoint
// may trigger it from both a close event and a failed write.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Registry is this process's mapping from identity to live connection.
// At most one entry per identity: a new subscription supersedes the
// prior one. Heartbeat timers, close callbacks and broker deliveries
// all touch it concurrently.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger.WithGroup("registry"),
	}
}

// Register installs the connection and returns the superseded one, if
// any. The caller is responsible for closing the superseded connection
// so it does not linger until its own write fails.
func (r *Registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	prior := r.conns[c.UserID]
	r.conns[c.UserID] = c
	total := len(r.conns)
	r.mu.Unlock()

	if prior != nil {
		r.logger.Warn("Superseding existing connection for identity", "user_id", c.UserID, "prior_conn", prior.ID, "new_conn", c.ID)
	}
	r.logger.Info("Connection registered", "user_id", c.UserID, "conn_id", c.ID, "total", total)
	return prior
}

// Unregister removes the connection only while it is still the current
// entry for its identity. Returns false when a newer connection has
// superseded it, in which case presence must be left alone.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[c.UserID]
	if !ok || current != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.UserID)
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("Connection unregistered", "user_id", c.UserID, "conn_id", c.ID, "total", total)
	return true
}

func (r *Registry) Get(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Snapshot returns the current local connections. The slice is a copy;
// connections may close between snapshot and use.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
