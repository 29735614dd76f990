// internal/database/redis.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"
)

var ErrRedisNotConfigured = errors.New("redis client not initialized")

// NewRedis parses url and checks the connection.
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis connected", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
	return client, nil
}

// Broadcaster relays frames between gateway instances over one pub/sub
// channel. Envelopes published by this instance are skipped on receipt.
type Broadcaster struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger
}

func NewBroadcaster(client *redis.Client, channel, instanceID string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (b *Broadcaster) Publish(ctx context.Context, env domain.Envelope) error {
	if b.client == nil {
		return ErrRedisNotConfigured
	}
	env.Origin = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe delivers envelopes from other instances to fn until ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, fn func(domain.Envelope)) error {
	if b.client == nil {
		return ErrRedisNotConfigured
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("Subscribed to broadcast channel", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, ok := b.decode(msg.Payload)
			if !ok {
				continue
			}
			fn(env)
		}
	}
}

func (b *Broadcaster) decode(payload string) (domain.Envelope, bool) {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("Dropping malformed broadcast", zap.Error(err))
		return env, false
	}
	if env.Origin == b.instanceID || env.Frame.Event == "" {
		return env, false
	}
	return env, true
}

// PresenceStore mirrors the gateway's online users into Redis so every
// instance sees the same set. Entries expire unless refreshed.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

type presenceRecord struct {
	UserID   string                `json:"userId"`
	Status   domain.PresenceStatus `json:"status"`
	LastSeen time.Time             `json:"lastSeen"`
}

func NewPresenceStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *PresenceStore {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	return &PresenceStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *PresenceStore) SetStatus(ctx context.Context, userID string, status domain.PresenceStatus) error {
	if s.client == nil {
		return ErrRedisNotConfigured
	}
	data, err := json.Marshal(presenceRecord{UserID: userID, Status: status, LastSeen: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+userID, data, s.ttl)
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.Expire(ctx, onlineSetKey, s.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

func (s *PresenceStore) SetOffline(ctx context.Context, userID string) error {
	if s.client == nil {
		return ErrRedisNotConfigured
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, presenceKeyPrefix+userID)
	pipe.SRem(ctx, onlineSetKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Online returns the sorted ids whose presence entry has not expired, and
// prunes expired ids from the online set.
func (s *PresenceStore) Online(ctx context.Context) ([]string, error) {
	if s.client == nil {
		return nil, ErrRedisNotConfigured
	}

	ids, err := s.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, presenceKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check presence entries: %w", err)
	}

	online := make([]string, 0, len(ids))
	var expired []interface{}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, ids[i])
		} else {
			expired = append(expired, ids[i])
		}
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, onlineSetKey, expired...).Err(); err != nil {
			s.logger.Warn("Failed to prune expired presence", zap.Error(err))
		}
	}

	sort.Strings(online)
	return online, nil
}

// Status returns the stored status of userID. ok is false when nothing is
// stored or the entry expired.
func (s *PresenceStore) Status(ctx context.Context, userID string) (domain.PeerPresence, bool, error) {
	if s.client == nil {
		return domain.PeerPresence{}, false, ErrRedisNotConfigured
	}
	data, err := s.client.Get(ctx, presenceKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.PeerPresence{}, false, nil
	}
	if err != nil {
		return domain.PeerPresence{}, false, fmt.Errorf("failed to get presence: %w", err)
	}

	var rec presenceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return domain.PeerPresence{}, false, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	seen := rec.LastSeen
	return domain.PeerPresence{UserID: rec.UserID, Status: rec.Status, LastSeen: &seen}, true, nil
}
