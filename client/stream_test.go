package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/pulse/models"
)

// fakeStreamServer emits a connected envelope and then a numbered
// message every 25ms for each subscribe request, counting how many
// upstream connections were ever opened.
type fakeStreamServer struct {
	server    *httptest.Server
	connCount atomic.Int32
}

func newFakeStreamServer(t *testing.T) *fakeStreamServer {
	t.Helper()
	fs := &fakeStreamServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sse/subscribe", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userId") == "" {
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		fs.connCount.Add(1)

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		connected := &models.Envelope{
			ID:    "0",
			Event: models.EventConnected,
			Data:  json.RawMessage(`{"type":"connected"}`),
		}
		if _, err := connected.WriteTo(w); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				seq++
				env := &models.Envelope{
					ID:    fmt.Sprintf("%d", seq),
					Event: models.EventMessage,
					Data:  json.RawMessage(fmt.Sprintf(`{"type":"notification","message":"msg-%d"}`, seq)),
				}
				if _, err := env.WriteTo(w); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)
	return fs
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cli, err := NewClient(&Config{
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	return cli
}

func awaitEnvelope(t *testing.T, ch <-chan models.Envelope) models.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope arrived")
		return models.Envelope{}
	}
}

func TestSubscriber_ReceivesUpstreamEvents(t *testing.T) {
	fs := newFakeStreamServer(t)
	cli := newTestClient(t, fs.server.URL)

	bus := NewBus(nil)
	defer bus.Close()

	got := make(chan models.Envelope, 32)
	sub := NewSubscriber(cli, bus, "alice", fastElectorConfig())
	sub.OnAny(func(env models.Envelope) {
		select {
		case got <- env:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sub.Connect(ctx))
	defer sub.Disconnect()

	env := awaitEnvelope(t, got)
	assert.Equal(t, models.EventConnected, env.Event)

	env = awaitEnvelope(t, got)
	assert.Equal(t, models.EventMessage, env.Event)
	assert.True(t, sub.IsLeader())
}

func TestSubscriber_FollowerReceivesRelayedEvents(t *testing.T) {
	fs := newFakeStreamServer(t)
	cli := newTestClient(t, fs.server.URL)

	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := make([]*Subscriber, 2)
	chans := make([]chan models.Envelope, 2)
	for i := range subs {
		ch := make(chan models.Envelope, 32)
		chans[i] = ch
		subs[i] = NewSubscriber(cli, bus, "alice", fastElectorConfig())
		subs[i].OnAny(func(env models.Envelope) {
			select {
			case ch <- env:
			default:
			}
		})
		require.NoError(t, subs[i].Connect(ctx))
		defer subs[i].Disconnect()
	}

	// Both tabs observe the stream's events.
	for i := range subs {
		env := awaitEnvelope(t, chans[i])
		for env.Event != models.EventMessage {
			env = awaitEnvelope(t, chans[i])
		}
	}

	// Only one of them holds an upstream connection.
	assert.Equal(t, int32(1), fs.connCount.Load())

	leaders := 0
	for _, sub := range subs {
		if sub.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestSubscriber_FailoverWhenLeaderDisconnects(t *testing.T) {
	fs := newFakeStreamServer(t)
	cli := newTestClient(t, fs.server.URL)

	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := [2]chan models.Envelope{
		make(chan models.Envelope, 32),
		make(chan models.Envelope, 32),
	}
	subs := make([]*Subscriber, 2)
	for i := range subs {
		ch := got[i]
		subs[i] = NewSubscriber(cli, bus, "alice", fastElectorConfig())
		subs[i].OnAny(func(env models.Envelope) {
			select {
			case ch <- env:
			default:
			}
		})
		require.NoError(t, subs[i].Connect(ctx))
	}

	// Wait until events flow and identify the leader.
	awaitEnvelope(t, got[0])
	awaitEnvelope(t, got[1])

	require.Eventually(t, func() bool {
		return subs[0].IsLeader() || subs[1].IsLeader()
	}, 3*time.Second, 20*time.Millisecond)

	leaderIdx, followerIdx := 0, 1
	if subs[1].IsLeader() {
		leaderIdx, followerIdx = 1, 0
	}

	subs[leaderIdx].Disconnect()

	// The follower takes over and opens its own upstream connection.
	require.Eventually(t, func() bool {
		return subs[followerIdx].IsLeader()
	}, 5*time.Second, 20*time.Millisecond, "follower never took over leadership")

	require.Eventually(t, func() bool {
		return fs.connCount.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond, "no new upstream connection after failover")

	// Drain anything stale, then confirm fresh events still arrive.
	for len(got[followerIdx]) > 0 {
		<-got[followerIdx]
	}
	env := awaitEnvelope(t, got[followerIdx])
	assert.NotEmpty(t, env.Event)

	subs[followerIdx].Disconnect()
}

func TestSubscriber_PresenceChangeHook(t *testing.T) {
	fs := newFakeStreamServer(t)
	cli := newTestClient(t, fs.server.URL)

	bus := NewBus(nil)
	defer bus.Close()

	sub := NewSubscriber(cli, bus, "alice", fastElectorConfig())

	fired := make(chan struct{}, 1)
	sub.OnPresenceChange(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	// Dispatch directly; the hook contract is independent of transport.
	sub.dispatch(models.Envelope{Event: models.EventUserJoined, Data: json.RawMessage(`{}`)})

	select {
	case <-fired:
	default:
		t.Fatal("presence hook did not fire on user-joined")
	}
}

func TestSubscriber_ConnectTwiceFails(t *testing.T) {
	fs := newFakeStreamServer(t)
	cli := newTestClient(t, fs.server.URL)

	bus := NewBus(nil)
	defer bus.Close()

	sub := NewSubscriber(cli, bus, "alice", fastElectorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sub.Connect(ctx))
	defer sub.Disconnect()

	assert.Error(t, sub.Connect(ctx))
}
