package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/lesson-room/config"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// Store keeps the relay's shared state in Redis: room metadata, live
// presence, the append-only signal history and the durable stroke log.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and verifies the connection.
func Connect(cfg config.RedisConfig, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewStore(client, ttl), nil
}

// NewStore wraps an existing client. Keys written by the store expire
// after ttl.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomKey(roomID string) string    { return "room:" + roomID }
func codeKey(code string) string      { return "code:" + code }
func peersKey(roomID string) string   { return "room:" + roomID + ":peers" }
func signalsKey(roomID string) string { return "room:" + roomID + ":signals" }
func strokesKey(roomID string) string { return "room:" + roomID + ":strokes" }
func strokeIDsKey(roomID string) string {
	return "room:" + roomID + ":stroke-ids"
}
