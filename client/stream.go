package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/pulse/models"
)

const streamRetryDelay = 2 * time.Second

// Subscriber is the tab-facing consumer API. Every tab constructs one;
// only the tab that wins the election holds the upstream stream open.
// The leader relays each received envelope onto the bus before its own
// local dispatch, so followers observe the same events without a server
// connection of their own.
type Subscriber struct {
	client  *Client
	userID  string
	tab     *Tab
	elector *Elector
	logger  *slog.Logger

	handlersMu  sync.RWMutex
	handlers    map[models.EventKind][]func(models.Envelope)
	anyHandlers []func(models.Envelope)
	onPresence  func()

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
	started bool
}

// NewSubscriber joins the bus as a fresh tab. electorCfg may be the
// zero value for default election timing.
func NewSubscriber(client *Client, bus *Bus, userID string, electorCfg ElectorConfig) *Subscriber {
	tab := bus.Join()
	return &Subscriber{
		client:   client,
		userID:   userID,
		tab:      tab,
		elector:  NewElector(tab, client.logger, electorCfg),
		logger:   client.logger.WithGroup("subscriber").With("tab", tab.ID()),
		handlers: make(map[models.EventKind][]func(models.Envelope)),
	}
}

// TabID identifies this subscriber on the bus.
func (s *Subscriber) TabID() string {
	return s.tab.ID()
}

// IsLeader reports whether this tab currently owns the upstream stream.
func (s *Subscriber) IsLeader() bool {
	return s.elector.IsLeader()
}

// On registers a handler for one event kind. Handlers run on the
// dispatch goroutine and must not block.
func (s *Subscriber) On(kind models.EventKind, fn func(models.Envelope)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], fn)
}

// OnAny registers a handler invoked for every envelope regardless of kind.
func (s *Subscriber) OnAny(fn func(models.Envelope)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.anyHandlers = append(s.anyHandlers, fn)
}

// OnPresenceChange registers a hook fired on user-joined and user-leave
// envelopes, after the regular handlers. Consumers typically refresh
// their online-users view from it.
func (s *Subscriber) OnPresenceChange(fn func()) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onPresence = fn
}

// Connect starts the subscriber: the bus pump begins immediately, and a
// background goroutine campaigns for leadership, holding the upstream
// stream open for as long as this tab is leader.
func (s *Subscriber) Connect(ctx context.Context) error {
	if s.started {
		return errors.New("subscriber already connected")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.pumpBus(ctx)
	go s.runLeadership(ctx)
	return nil
}

// Disconnect tears the subscriber down: the stream read is cancelled,
// leadership is released so another tab can take over, and the tab
// leaves the bus.
func (s *Subscriber) Disconnect() {
	s.stopped.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.elector.Release()
		s.tab.Leave()
	})
	s.wg.Wait()
}

// pumpBus drains the tab queue: election traffic goes to the elector,
// relayed envelopes from the leader go to local dispatch.
func (s *Subscriber) pumpBus(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tab.Done():
			return
		case msg := <-s.tab.Messages():
			if s.elector.Handle(msg) {
				continue
			}
			switch msg.Kind {
			case MsgRelayEvent:
				var env models.Envelope
				if err := json.Unmarshal(msg.Payload, &env); err != nil {
					s.logger.Warn("dropping malformed relayed envelope", "error", err)
					continue
				}
				s.dispatch(env)
			case MsgConnRequest:
				s.tab.Post(BusMessage{
					Kind:         MsgConnResponse,
					ConnectionID: msg.ConnectionID,
				})
			case MsgConnResponse:
				// Liveness replies are informational only.
			default:
				s.logger.Warn("unknown bus message kind", "kind", msg.Kind)
			}
		}
	}
}

func (s *Subscriber) runLeadership(ctx context.Context) {
	defer s.wg.Done()

	if err := s.elector.AwaitLeadership(ctx); err != nil {
		return
	}

	for ctx.Err() == nil {
		if err := s.runStream(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("stream interrupted, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(streamRetryDelay):
			}
		}
	}
}

// runStream holds one upstream connection open and forwards every
// decoded envelope: relay to the other tabs first, then local dispatch.
func (s *Subscriber) runStream(ctx context.Context) error {
	body, err := s.client.openStream(ctx, s.userID)
	if err != nil {
		return err
	}
	defer body.Close()

	s.logger.Info("upstream stream open", "userId", s.userID)

	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, env := range dec.Feed(buf[:n]) {
				s.relay(env)
				s.dispatch(env)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("server closed the stream")
			}
			return err
		}
	}
}

func (s *Subscriber) relay(env models.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to encode envelope for relay", "error", err)
		return
	}
	s.tab.Post(BusMessage{Kind: MsgRelayEvent, Payload: payload})
}

func (s *Subscriber) dispatch(env models.Envelope) {
	s.handlersMu.RLock()
	kindHandlers := s.handlers[env.Event]
	anyHandlers := s.anyHandlers
	presence := s.onPresence
	s.handlersMu.RUnlock()

	for _, fn := range kindHandlers {
		fn(env)
	}
	for _, fn := range anyHandlers {
		fn(env)
	}

	if presence != nil && (env.Event == models.EventUserJoined || env.Event == models.EventUserLeave) {
		presence()
	}
}
