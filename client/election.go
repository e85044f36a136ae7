package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

/*
	Tabs on the same bus elect exactly one leader. A candidate posts
	leader-apply and listens for objections; the sitting leader answers
	every apply with leader-tell. Two unanswered apply rounds win the
	seat. A departing leader posts leader-death so followers recampaign
	immediately instead of waiting out the fallback interval.

	Ties between simultaneous candidates break on token order: the
	lexically smaller token has precedence and the other candidate
	withdraws. Two tabs both believing they lead is an anomaly, not a
	state we resolve silently; it gets logged and surfaced through the
	OnDuplicate hook.
*/

var ErrTabClosed = errors.New("tab detached from bus")

const (
	defaultResponseTime     = 1 * time.Second
	defaultFallbackInterval = 2 * time.Second
)

// ElectorConfig tunes one tab's participation in the election.
// Zero values take the defaults.
type ElectorConfig struct {
	ResponseTime     time.Duration
	FallbackInterval time.Duration
	OnDuplicate      func(rivalTabID string)
}

// Elector runs the election protocol for a single tab. Bus messages
// must be fed to Handle by whoever drains the tab's queue.
type Elector struct {
	tab              *Tab
	logger           *slog.Logger
	token            string
	responseTime     time.Duration
	fallbackInterval time.Duration
	onDuplicate      func(rivalTabID string)

	mu       sync.Mutex
	isLeader bool
	leaderCh chan struct{}

	applying  atomic.Bool
	objection chan string
	death     chan struct{}
}

func NewElector(tab *Tab, logger *slog.Logger, cfg ElectorConfig) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseTime <= 0 {
		cfg.ResponseTime = defaultResponseTime
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = defaultFallbackInterval
	}
	return &Elector{
		tab:              tab,
		logger:           logger.WithGroup("election").With("tab", tab.ID()),
		token:            uuid.New().String(),
		responseTime:     cfg.ResponseTime,
		fallbackInterval: cfg.FallbackInterval,
		onDuplicate:      cfg.OnDuplicate,
		leaderCh:         make(chan struct{}),
		objection:        make(chan string, 1),
		death:            make(chan struct{}, 1),
	}
}

// IsLeader reports whether this tab currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Leadership is closed once this tab becomes leader.
func (e *Elector) Leadership() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderCh
}

// AwaitLeadership blocks until this tab wins the election, the context
// is cancelled, or the tab leaves the bus.
func (e *Elector) AwaitLeadership(ctx context.Context) error {
	for {
		if e.IsLeader() {
			return nil
		}

		won, err := e.campaign(ctx)
		if err != nil {
			return err
		}
		if won {
			e.assumeLeadership()
			return nil
		}

		// Another tab holds the seat. Recampaign on its death notice,
		// or poll again after the fallback interval in case the notice
		// was lost.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.tab.Done():
			return ErrTabClosed
		case <-e.death:
		case <-time.After(e.fallbackInterval):
		}
	}
}

func (e *Elector) campaign(ctx context.Context) (bool, error) {
	e.applying.Store(true)
	defer e.applying.Store(false)

	// Discard objections left over from a prior round.
	select {
	case <-e.objection:
	default:
	}

	timer := time.NewTimer(e.responseTime)
	defer timer.Stop()

	for round := 0; round < 2; round++ {
		e.tab.Post(BusMessage{Kind: MsgLeaderApply, Token: e.token})

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.responseTime)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.tab.Done():
			return false, ErrTabClosed
		case <-e.objection:
			return false, nil
		case <-timer.C:
		}
	}
	return true, nil
}

func (e *Elector) assumeLeadership() {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = true
	close(e.leaderCh)
	e.mu.Unlock()

	e.tab.Post(BusMessage{Kind: MsgLeaderTell, Token: e.token})
	e.logger.Info("became leader")
}

// Release gives up leadership and notifies the other tabs so one of
// them can take over without waiting for the fallback interval.
func (e *Elector) Release() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.leaderCh = make(chan struct{})
	e.mu.Unlock()

	e.tab.Post(BusMessage{Kind: MsgLeaderDeath, Token: e.token})
	e.logger.Info("released leadership")
}

// Handle processes an election message from the bus. It reports whether
// the message belonged to the election protocol.
func (e *Elector) Handle(msg BusMessage) bool {
	switch msg.Kind {
	case MsgLeaderApply:
		if e.IsLeader() {
			// Defend the seat.
			e.tab.Post(BusMessage{Kind: MsgLeaderTell, Token: e.token})
			return true
		}
		if e.applying.Load() && msg.Token != "" && msg.Token < e.token {
			e.pushObjection(msg.Token)
		}
		return true

	case MsgLeaderTell:
		if e.IsLeader() {
			e.logger.Error("duplicate leader detected", "rivalTab", msg.SenderID)
			if e.onDuplicate != nil {
				e.onDuplicate(msg.SenderID)
			}
			return true
		}
		e.pushObjection(msg.Token)
		return true

	case MsgLeaderDeath:
		select {
		case e.death <- struct{}{}:
		default:
		}
		return true
	}
	return false
}

func (e *Elector) pushObjection(token string) {
	select {
	case e.objection <- token:
	default:
	}
}
