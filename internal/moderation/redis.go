package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Compile-time interface check.
var _ Checker = (*RedisStore)(nil)

const (
	presenceTTL = 24 * time.Hour
	lobbyKey    = "lobby:clients"
)

func banKey(id string) string        { return "moderation:ban:" + id }
func quarantineKey(id string) string { return "moderation:quarantine:" + id }
func presenceKey(id string) string   { return "presence:" + id }
func historyKey(id string) string    { return "moderation:disconnects:" + id }

// RedisStore keeps bans, quarantines, and presence in Redis. Quarantines
// are plain keys whose TTL is the remaining quarantine.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Status(ctx context.Context, userID string) (models.ModerationStatus, error) {
	st := models.ModerationStatus{UserID: userID}

	reason, err := s.rdb.Get(ctx, banKey(userID)).Result()
	switch {
	case err == nil:
		st.Banned = true
		st.Reason = reason
		return st, nil
	case !errors.Is(err, redis.Nil):
		return st, fmt.Errorf("read ban: %w", err)
	}

	pipe := s.rdb.Pipeline()
	getReason := pipe.Get(ctx, quarantineKey(userID))
	ttl := pipe.PTTL(ctx, quarantineKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("read quarantine: %w", err)
	}
	if getReason.Err() == nil && ttl.Val() > 0 {
		st.Reason = getReason.Val()
		st.QuarantinedUntil = s.now().Add(ttl.Val())
	}
	return st, nil
}

// Ban blocks userID until Lift is called.
func (s *RedisStore) Ban(ctx context.Context, userID, reason string) error {
	return s.rdb.Set(ctx, banKey(userID), reason, 0).Err()
}

// Quarantine blocks userID for d.
func (s *RedisStore) Quarantine(ctx context.Context, userID, reason string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("quarantine needs a positive duration, got %s", d)
	}
	return s.rdb.Set(ctx, quarantineKey(userID), reason, d).Err()
}

// Lift removes both bans and quarantines.
func (s *RedisStore) Lift(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, banKey(userID), quarantineKey(userID)).Err()
}

func (s *RedisStore) MarkConnected(ctx context.Context, userID, peerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(userID), map[string]any{
		"peer":  peerID,
		"since": s.now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, presenceKey(userID), presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkDisconnected clears presence and counts the ending reason.
func (s *RedisStore) MarkDisconnected(ctx context.Context, userID, peerID string, reason models.DisconnectReason) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.HIncrBy(ctx, historyKey(userID), string(reason), 1)
	pipe.Expire(ctx, historyKey(userID), presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Peer returns whom userID is connected to, empty when not in a session.
func (s *RedisStore) Peer(ctx context.Context, userID string) (string, error) {
	peer, err := s.rdb.HGet(ctx, presenceKey(userID), "peer").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return peer, err
}

// Disconnects returns how often userID's sessions ended, by reason.
func (s *RedisStore) Disconnects(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, historyKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

// JoinLobby records a connected lobby member.
func (s *RedisStore) JoinLobby(ctx context.Context, clientID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, lobbyKey, clientID)
	pipe.Expire(ctx, lobbyKey, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LeaveLobby(ctx context.Context, clientID string) error {
	return s.rdb.SRem(ctx, lobbyKey, clientID).Err()
}

func (s *RedisStore) LobbySize(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, lobbyKey).Result()
}
