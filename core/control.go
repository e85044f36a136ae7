package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/InsulaLabs/pulse/models"
)

// Control endpoints validate input and publish intents onto the fan-out
// broker. They never touch the connection registry directly: the
// instance that owns the socket delivers, which is what decouples
// producers from stream ownership.

func (c *Core) respond(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.Error("Could not encode API response", "error", err)
	}
}

func normalizeEventType(eventType string) string {
	if eventType == "" {
		return models.MessageTypeNotification
	}
	return eventType
}

func (c *Core) notifyUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req models.NotifyUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.respond(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Message: "invalid JSON payload",
		})
		return
	}
	if req.UserID == "" || req.Message == "" {
		c.respond(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Message: "userId and message are required",
		})
		return
	}
	eventType := normalizeEventType(req.EventType)

	// Presence is the cluster-wide view; a miss here is a normal
	// "not connected" result, not an error. When presence says online
	// the publish is unconditional and success is reported regardless
	// of actual delivery (the owning instance checks its own registry
	// asynchronously).
	online, err := c.presence.IsOnline(r.Context(), req.UserID)
	if err != nil {
		c.logger.Warn("Presence check failed, treating as offline", "user_id", req.UserID, "error", err)
		online = false
	}
	if !online {
		c.respond(w, http.StatusOK, models.APIResponse{
			Success: false,
			Message: fmt.Sprintf("user %s is not connected", req.UserID),
			Data: map[string]any{
				"userId":    req.UserID,
				"message":   req.Message,
				"eventType": eventType,
			},
		})
		return
	}

	data, err := json.Marshal(models.MessagePayload{
		Type:      eventType,
		Message:   req.Message,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("Could not marshal message payload", "error", err)
		c.respond(w, http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Message: "internal error",
		})
		return
	}

	if err := c.publisher.PublishToUser(r.Context(), req.UserID, models.EventMessage, data); err != nil {
		c.logger.Error("Publish to user failed", "user_id", req.UserID, "error", err)
		c.respond(w, http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Message: "message broker unavailable",
		})
		return
	}

	c.respond(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("notification sent to user %s", req.UserID),
		Data: map[string]any{
			"userId":    req.UserID,
			"message":   req.Message,
			"eventType": eventType,
		},
	})
}

func (c *Core) broadcastAllHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req models.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.respond(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Message: "invalid JSON payload",
		})
		return
	}
	if req.Message == "" {
		c.respond(w, http.StatusBadRequest, models.APIResponse{
			Success: false,
			Message: "message is required",
		})
		return
	}
	eventType := normalizeEventType(req.EventType)

	data, err := json.Marshal(models.MessagePayload{
		Type:      eventType,
		Message:   req.Message,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("Could not marshal broadcast payload", "error", err)
		c.respond(w, http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Message: "internal error",
		})
		return
	}

	if err := c.publisher.PublishToAll(r.Context(), models.EventMessage, data); err != nil {
		c.logger.Error("Broadcast publish failed", "error", err)
		c.respond(w, http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Message: "message broker unavailable",
		})
		return
	}

	// Broadcast reports success regardless of whether any subscriber
	// existed; there is no cluster-wide delivery count at this layer.
	c.respond(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: "broadcast sent",
		Data: map[string]any{
			"message":   req.Message,
			"eventType": eventType,
		},
	})
}

func (c *Core) usersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	users, err := c.presence.ListOnline(r.Context())
	if err != nil {
		c.logger.Error("Could not list online users", "error", err)
		c.respond(w, http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Message: "presence store unavailable",
		})
		return
	}
	if users == nil {
		users = []string{}
	}

	c.respond(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d user(s) connected", len(users)),
		Data: models.UsersData{
			Users: users,
			Count: len(users),
		},
	})
}

func (c *Core) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
