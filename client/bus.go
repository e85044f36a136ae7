package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

/*
	The bus is the process-local analog of a browser's cross-tab channel:
	every Tab joined to the same Bus sees messages posted by every OTHER
	tab, in post order. A tab never receives its own posts.

	Delivery is best-effort. Each tab has a buffered queue; a tab whose
	consumer stalls long enough to fill it loses messages rather than
	blocking the poster.
*/

// Bus message kinds. The leader-* kinds drive the election protocol;
// relay-event carries envelopes from the leader tab to followers;
// connection-request / connection-response are the legacy liveness
// probe kept for interoperability with older consumers.
const (
	MsgLeaderApply  = "leader-apply"
	MsgLeaderTell   = "leader-tell"
	MsgLeaderDeath  = "leader-death"
	MsgRelayEvent   = "relay-event"
	MsgConnRequest  = "connection-request"
	MsgConnResponse = "connection-response"
)

// BusMessage is what travels between tabs.
type BusMessage struct {
	Kind         string    `json:"kind"`
	SenderID     string    `json:"senderId"`
	Token        string    `json:"token,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const tabQueueSize = 64

// Bus fans posted messages out to all joined tabs.
type Bus struct {
	mu     sync.RWMutex
	tabs   map[string]*Tab
	logger *slog.Logger
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		tabs:   make(map[string]*Tab),
		logger: logger.WithGroup("bus"),
	}
}

// Join creates a new tab attached to the bus. The returned tab must be
// released with Leave when its owner is done.
func (b *Bus) Join() *Tab {
	t := &Tab{
		id:    uuid.New().String(),
		bus:   b,
		queue: make(chan BusMessage, tabQueueSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(t.done)
		return t
	}
	b.tabs[t.id] = t
	return t
}

// Post delivers msg to every tab except the sender, in order. Tabs with
// a full queue are skipped.
func (b *Bus) Post(senderID string, msg BusMessage) {
	msg.SenderID = senderID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, t := range b.tabs {
		if id == senderID {
			continue
		}
		select {
		case t.queue <- msg:
		default:
			b.logger.Warn("tab queue full, dropping message", "tab", id, "kind", msg.Kind)
		}
	}
}

// Len reports the number of joined tabs.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tabs)
}

// Close detaches all tabs. Messages posted after Close go nowhere.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, t := range b.tabs {
		close(t.done)
		delete(b.tabs, id)
	}
}

func (b *Bus) leave(t *Tab) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tabs[t.id]; !ok {
		return
	}
	delete(b.tabs, t.id)
	close(t.done)
}

// Tab is one participant on the bus.
type Tab struct {
	id        string
	bus       *Bus
	queue     chan BusMessage
	done      chan struct{}
	leaveOnce sync.Once
}

func (t *Tab) ID() string {
	return t.id
}

// Post sends a message to every other tab on the bus.
func (t *Tab) Post(msg BusMessage) {
	t.bus.Post(t.id, msg)
}

// Messages is the tab's inbound queue.
func (t *Tab) Messages() <-chan BusMessage {
	return t.queue
}

// Done is closed when the tab leaves the bus or the bus shuts down.
func (t *Tab) Done() <-chan struct{} {
	return t.done
}

// Leave detaches the tab from the bus. Idempotent.
func (t *Tab) Leave() {
	t.leaveOnce.Do(func() {
		t.bus.leave(t)
	})
}
