package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/pulse/models"
)

func newEnvelope(kind models.EventKind, payload any) (*models.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &models.Envelope{
		ID:        uuid.NewString(),
		Event:     kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// identityFromRequest implements the AUTHENTICATING step: the identity
// comes from the userId query parameter or a bearer-style header.
// Absence of both is a terminal auth failure.
func identityFromRequest(r *http.Request) string {
	if userID := r.URL.Query().Get("userId"); userID != "" {
		return userID
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// subscribeHandler is the per-connection stream endpoint. State machine:
// AUTHENTICATING -> OPEN -> CLOSED, with the CLOSED transition idempotent
// against a stream-close event and a failed write arriving together.
func (c *Core) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	userID := identityFromRequest(r)
	if userID == "" {
		c.logger.Warn("Subscribe attempt without identity", "remote", c.getRemoteAddress(r))
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if c.registry.Len() >= c.cfg.Sessions.MaxConnections {
		c.logger.Warn("Max connections reached, rejecting subscriber", "max", c.cfg.Sessions.MaxConnections, "user_id", userID)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rc := http.NewResponseController(w)

	conn := NewConn(userID, c.cfg.Sessions.SendBufferSize)

	// Transition to OPEN. A prior connection for the same identity is
	// superseded: close it explicitly rather than letting it linger
	// until its own write fails.
	if superseded := c.registry.Register(conn); superseded != nil {
		superseded.Close()
	}
	defer c.closeStream(r.Context(), conn)

	if err := c.presence.AddOnline(r.Context(), userID); err != nil {
		c.logger.Warn("Presence add online failed", "user_id", userID, "error", err)
	}

	connected, err := newEnvelope(models.EventConnected, models.ConnectedPayload{
		Type:      string(models.EventConnected),
		Message:   fmt.Sprintf("user %s stream established", userID),
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("Could not build connected envelope", "error", err)
		return
	}
	if err := c.writeEnvelope(w, rc, flusher, connected); err != nil {
		c.logger.Info("Initial write failed, peer gone", "user_id", userID, "error", err)
		return
	}
	c.logger.Info("Subscriber stream open", "user_id", userID, "conn_id", conn.ID)

	c.broadcastPresenceChange(r.Context(), models.EventUserJoined, userID)

	ticker := time.NewTicker(c.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			c.logger.Info("Subscriber disconnected", "user_id", userID, "conn_id", conn.ID)
			return
		case <-conn.Done():
			// Superseded by a newer subscription or closed externally.
			c.logger.Info("Subscriber stream closed", "user_id", userID, "conn_id", conn.ID)
			return
		case <-c.appCtx.Done():
			c.logger.Info("Service context done, closing subscriber stream", "user_id", userID)
			return
		case <-ticker.C:
			ping, err := newEnvelope(models.EventPing, models.PingPayload{
				Type:      string(models.EventPing),
				Message:   fmt.Sprintf("ping from server - %s", time.Now().UTC().Format(time.RFC3339)),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				c.logger.Error("Could not build ping envelope", "error", err)
				continue
			}
			if err := c.writeEnvelope(w, rc, flusher, ping); err != nil {
				c.logger.Info("Heartbeat write failed, tearing down", "user_id", userID, "conn_id", conn.ID, "error", err)
				return
			}
			conn.touchHeartbeat()
			if err := c.presence.Heartbeat(r.Context(), userID); err != nil {
				c.logger.Warn("Presence heartbeat failed", "user_id", userID, "error", err)
			}
		case env := <-conn.send:
			if err := c.writeEnvelope(w, rc, flusher, env); err != nil {
				c.logger.Info("Envelope write failed, tearing down", "user_id", userID, "conn_id", conn.ID, "error", err)
				return
			}
		}
	}
}

func (c *Core) writeEnvelope(w http.ResponseWriter, rc *http.ResponseController, flusher http.Flusher, env *models.Envelope) error {
	if err := rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("Could not set write deadline", "error", err)
	}
	if _, err := env.WriteTo(w); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// closeStream is the CLOSED transition. The registry entry is removed
// only while this connection still owns it; a superseding connection's
// presence must not be torn down by its predecessor.
func (c *Core) closeStream(ctx context.Context, conn *Conn) {
	conn.Close()

	if !c.registry.Unregister(conn) {
		return
	}

	// Presence teardown is fire-and-forget; the request context may be
	// gone already, so bound a fresh one.
	teardownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.presence.RemoveOnline(teardownCtx, conn.UserID); err != nil {
		c.logger.Warn("Presence remove online failed", "user_id", conn.UserID, "error", err)
	}
	c.broadcastPresenceChange(teardownCtx, models.EventUserLeave, conn.UserID)
}

// AnnounceExpired broadcasts a user-leave for an identity evicted by the
// heartbeat sweeper rather than by a clean stream close.
func (c *Core) AnnounceExpired(ctx context.Context, userID string) {
	c.broadcastPresenceChange(ctx, models.EventUserLeave, userID)
}

// broadcastPresenceChange lets other subscribers maintain their own view
// of the online set reactively, in addition to polling the users
// endpoint.
func (c *Core) broadcastPresenceChange(ctx context.Context, kind models.EventKind, userID string) {
	data, err := json.Marshal(models.UserPresencePayload{
		Type:      string(kind),
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("Could not marshal presence change payload", "error", err)
		return
	}
	if err := c.publisher.PublishToAll(ctx, kind, data); err != nil {
		c.logger.Warn("Presence change broadcast failed", "event", kind, "user_id", userID, "error", err)
	}
}

// -- broker sink --

// DeliverToUser handles a per-user-addressed broker message. Only the
// instance holding the identity's live connection writes; everyone else
// drops silently.
func (c *Core) DeliverToUser(msg models.UserMessage) {
	conn, ok := c.registry.Get(msg.UserID)
	if !ok {
		c.logger.Debug("No local connection for addressed message", "user_id", msg.UserID)
		return
	}
	env := &models.Envelope{
		ID:        uuid.NewString(),
		Event:     msg.EventType,
		Data:      msg.Data,
		CreatedAt: time.Now().UTC(),
	}
	if !conn.Send(env) {
		c.logger.Warn("Subscriber send buffer full, message dropped", "user_id", msg.UserID, "conn_id", conn.ID)
	}
}

// DeliverToAll fans a broadcast out to every local connection.
func (c *Core) DeliverToAll(msg models.BroadcastMessage) {
	conns := c.registry.Snapshot()
	for _, conn := range conns {
		env := &models.Envelope{
			ID:        uuid.NewString(),
			Event:     msg.EventType,
			Data:      msg.Data,
			CreatedAt: time.Now().UTC(),
		}
		if !conn.Send(env) {
			c.logger.Warn("Subscriber send buffer full, broadcast dropped", "user_id", conn.UserID, "conn_id", conn.ID)
		}
	}
	c.logger.Debug("Broadcast dispatched to local connections", "event", msg.EventType, "count", len(conns))
}
