// Package presence tracks which identities are currently online,
// cluster-wide, independent of which process instance holds the socket.
// Backing store is a shared Redis key space: one online set plus one
// heartbeat key per identity with a TTL, so a crashed process's users
// expire without explicit cleanup.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey       = "online_users"
	heartbeatKeyPrefix = "online_users:hb:"
)

// heartbeatScript refreshes the TTL only while the identity is still a
// member of the online set. A heartbeat for an unknown id is a no-op.
var heartbeatScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
	redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
	return 1
end
return 0
`)

// sweepScript removes a member only if its heartbeat key is still
// missing, so a sweep racing a fresh AddOnline cannot evict the new
// connection.
var sweepScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// Store is the cluster-wide presence view. All operations are safe for
// concurrent use across process instances; callers treat failures as
// fire-and-forget (log, never block connection teardown on the store).
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(logger *slog.Logger, rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.WithGroup("presence"),
	}
}

func heartbeatKey(id string) string {
	return heartbeatKeyPrefix + id
}

// AddOnline inserts the identity into the online set and stamps a
// heartbeat record with the configured TTL.
func (s *Store) AddOnline(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, id)
	pipe.Set(ctx, heartbeatKey(id), time.Now().UTC().Format(time.RFC3339), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence add online for %s: %w", id, err)
	}
	return nil
}

// RemoveOnline is the normal-path disconnect: set membership and the
// heartbeat record go together in one transaction so a concurrent sweep
// cannot observe (and act on) a half-removed identity.
func (s *Store) RemoveOnline(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, id)
	pipe.Del(ctx, heartbeatKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove online for %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes the identity's TTL. No-op when the identity is not
// in the online set.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	refreshed, err := heartbeatScript.Run(ctx, s.rdb,
		[]string{onlineSetKey, heartbeatKey(id)},
		id, time.Now().UTC().Format(time.RFC3339), int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("presence heartbeat for %s: %w", id, err)
	}
	if refreshed == 0 {
		s.logger.Debug("Heartbeat for identity with no online-set membership", "id", id)
	}
	return nil
}

// ListOnline returns the current online set. This is the cluster-wide
// presence-truth view; it may briefly include identities whose heartbeat
// has expired but that the sweep has not collected yet.
func (s *Store) ListOnline(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list online: %w", err)
	}
	return users, nil
}

// IsOnline reports whether the identity has a non-expired presence
// entry. Store unavailability degrades to offline.
func (s *Store) IsOnline(ctx context.Context, id string) (bool, error) {
	pipe := s.rdb.Pipeline()
	member := pipe.SIsMember(ctx, onlineSetKey, id)
	alive := pipe.Exists(ctx, heartbeatKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence is online for %s: %w", id, err)
	}
	return member.Val() && alive.Val() == 1, nil
}

// Sweep scans the online set once and removes every identity whose
// heartbeat record has expired, treating each as an implicit disconnect.
// Returns the identities removed.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence sweep scan: %w", err)
	}

	var expired []string
	for _, id := range members {
		removed, err := sweepScript.Run(ctx, s.rdb,
			[]string{heartbeatKey(id), onlineSetKey}, id,
		).Int()
		if err != nil {
			return expired, fmt.Errorf("presence sweep for %s: %w", id, err)
		}
		if removed > 0 {
			s.logger.Info("Presence expired, treating as implicit disconnect", "id", id)
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// RunSweeper runs Sweep on a fixed interval until the context is done.
// One sweeper per process; it is independent of any single connection.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, onExpired func(id string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Presence sweeper started", "interval", interval, "ttl", s.ttl)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Presence sweeper stopped")
			return
		case <-ticker.C:
			expired, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("Presence sweep failed", "error", err)
				continue
			}
			if onExpired != nil {
				for _, id := range expired {
					onExpired(id)
				}
			}
		}
	}
}
