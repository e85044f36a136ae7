package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/pulse/models"
)

type captureSink struct {
	mu         sync.Mutex
	userMsgs   []models.UserMessage
	broadcasts []models.BroadcastMessage
	notify     chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{notify: make(chan struct{}, 16)}
}

func (s *captureSink) DeliverToUser(msg models.UserMessage) {
	s.mu.Lock()
	s.userMsgs = append(s.userMsgs, msg)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *captureSink) DeliverToAll(msg models.BroadcastMessage) {
	s.mu.Lock()
	s.broadcasts = append(s.broadcasts, msg)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *captureSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("sink never received a message")
	}
}

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(slog.Default(), rdb, 100), rdb
}

// startRun spins the subscribe loop and blocks until the subscription is
// live, so publishes in the test body cannot race it.
func startRun(t *testing.T, b *Broker, sink models.SubscriberSink) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = b.Run(ctx, sink)
	}()
	// Run confirms the subscription before consuming; give it a moment.
	time.Sleep(100 * time.Millisecond)
	return cancel
}

func TestBroker_PublishToUserReachesSink(t *testing.T) {
	b, _ := newTestBroker(t)
	sink := newCaptureSink()
	cancel := startRun(t, b, sink)
	defer cancel()

	data, _ := json.Marshal(models.MessagePayload{Type: "notification", Message: "hello"})
	require.NoError(t, b.PublishToUser(context.Background(), "alice", models.EventMessage, data))

	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.userMsgs, 1)
	assert.Equal(t, "alice", sink.userMsgs[0].UserID)
	assert.Equal(t, models.EventMessage, sink.userMsgs[0].EventType)
	assert.JSONEq(t, string(data), string(sink.userMsgs[0].Data))
}

func TestBroker_PublishToAllReachesSink(t *testing.T) {
	b, _ := newTestBroker(t)
	sink := newCaptureSink()
	cancel := startRun(t, b, sink)
	defer cancel()

	data, _ := json.Marshal(models.MessagePayload{Type: "custom", Message: "everyone"})
	require.NoError(t, b.PublishToAll(context.Background(), models.EventMessage, data))

	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.broadcasts, 1)
	assert.Equal(t, models.EventMessage, sink.broadcasts[0].EventType)
	assert.Empty(t, sink.userMsgs)
}

func TestBroker_MalformedPayloadIsDropped(t *testing.T) {
	b, rdb := newTestBroker(t)
	sink := newCaptureSink()
	cancel := startRun(t, b, sink)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, rdb.Publish(ctx, ChannelUser, "not json").Err())

	// A well-formed message after the junk proves the loop survived it.
	require.NoError(t, b.PublishToUser(ctx, "bob", models.EventMessage, []byte(`{}`)))

	sink.wait(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.userMsgs, 1)
	assert.Equal(t, "bob", sink.userMsgs[0].UserID)
}

func TestBroker_UserMessageWithoutIDIsDropped(t *testing.T) {
	b, rdb := newTestBroker(t)
	sink := newCaptureSink()
	cancel := startRun(t, b, sink)
	defer cancel()

	ctx := context.Background()
	payload, _ := json.Marshal(models.UserMessage{EventType: models.EventMessage, Data: []byte(`{}`)})
	require.NoError(t, rdb.Publish(ctx, ChannelUser, string(payload)).Err())

	require.NoError(t, b.PublishToAll(ctx, models.EventPing, []byte(`{}`)))
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.userMsgs)
	assert.Len(t, sink.broadcasts, 1)
}

func TestBroker_RunStopsOnContextCancel(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, newCaptureSink())
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
