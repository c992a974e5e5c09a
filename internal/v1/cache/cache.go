// Package cache wraps Redis for the two advisory stores on the hot
// path: the per-channel tail of recent messages and the user_status
// hash. Failures here degrade read paths; they never fail a message
// send.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/r3almx/realtime/internal/v1/metrics"
	"github.com/r3almx/realtime/internal/v1/types"
)

// TailLimit is the number of raw envelopes retained per channel.
const TailLimit = 100

// statusHashKey is the single hash holding every user's last known status.
const statusHashKey = "user_status"

// Client handles all interaction with Redis.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// New creates a robust Redis connection with a circuit breaker.
func New(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)
	return FromRedis(rdb), nil
}

// FromRedis wraps an existing Redis client. Used by tests with miniredis.
func FromRedis(rdb *redis.Client) *Client {
	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CacheBreakerState.Set(stateVal)
		},
	}

	return &Client{
		rdb: rdb,
		cb:  gobreaker.NewCircuitBreaker(st),
	}
}

// Redis returns the underlying client. Used to share the connection
// with the rate limiter store.
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// TailKey builds the list key for a channel's recent messages.
func TailKey(roomID types.RoomID, channelID types.ChannelID) string {
	return fmt.Sprintf("room:%s:channel:%s:messages", roomID, channelID)
}

// PushTail prepends a raw envelope to the channel tail and trims it to
// TailLimit entries. Advisory: on breaker-open the write is dropped and
// the caller is not failed.
func (c *Client) PushTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, raw []byte) error {
	if c == nil || c.rdb == nil {
		return nil // Cache disabled, nothing to do
	}

	key := TailKey(roomID, channelID)
	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := c.rdb.LPush(ctx, key, raw).Err(); err != nil {
			return nil, err
		}
		return nil, c.rdb.LTrim(ctx, key, 0, TailLimit-1).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: dropping tail push", "key", key)
			return nil // Graceful degradation: drop cache write, don't crash caller
		}
		slog.Error("Redis tail push failed", "key", key, "error", err)
		return err
	}
	return nil
}

// LoadTail returns the channel tail, newest first. An empty slice means
// a cache miss; the caller falls back to the durable store.
func (c *Client) LoadTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID) ([]string, error) {
	if c == nil || c.rdb == nil {
		return nil, nil // Cache disabled
	}

	key := TailKey(roomID, channelID)
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.rdb.LRange(ctx, key, 0, -1).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: returning empty tail", "key", key)
			return nil, nil // Graceful degradation: treat as miss
		}
		slog.Error("Redis tail load failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to load tail: %w", err)
	}
	return res.([]string), nil
}

// WarmTail replays raw envelopes into an empty channel tail. Entries
// must be passed oldest first so the most recent message ends up at the
// head of the list.
func (c *Client) WarmTail(ctx context.Context, roomID types.RoomID, channelID types.ChannelID, raws [][]byte) error {
	if c == nil || c.rdb == nil {
		return nil
	}

	key := TailKey(roomID, channelID)
	_, err := c.cb.Execute(func() (interface{}, error) {
		for _, raw := range raws {
			if err := c.rdb.LPush(ctx, key, raw).Err(); err != nil {
				return nil, err
			}
		}
		return nil, c.rdb.LTrim(ctx, key, 0, TailLimit-1).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: skipping tail warm", "key", key)
			return nil
		}
		slog.Error("Redis tail warm failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetStatus records a user's presence state in the user_status hash.
func (c *Client) SetStatus(ctx context.Context, userID string, status string) error {
	if c == nil || c.rdb == nil {
		return nil
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.rdb.HSet(ctx, statusHashKey, userID, status).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: skipping status write", "user_id", userID)
			return nil // Graceful degradation: local registry still holds the truth
		}
		slog.Error("Redis status write failed", "user_id", userID, "error", err)
		return err
	}
	return nil
}

// GetStatus returns a user's cached status. Empty string means the
// user has never connected (or the cache is degraded).
func (c *Client) GetStatus(ctx context.Context, userID string) (string, error) {
	if c == nil || c.rdb == nil {
		return "", nil
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		val, err := c.rdb.HGet(ctx, statusHashKey, userID).Result()
		if err == redis.Nil {
			return "", nil
		}
		return val, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: returning empty status", "user_id", userID)
			return "", nil
		}
		slog.Error("Redis status read failed", "user_id", userID, "error", err)
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return res.(string), nil
}

// AllStatuses returns the full user_status hash.
func (c *Client) AllStatuses(ctx context.Context) (map[string]string, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.rdb.HGetAll(ctx, statusHashKey).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			slog.Warn("Redis Circuit Breaker Open: returning empty status map")
			return nil, nil
		}
		slog.Error("Redis status scan failed", "error", err)
		return nil, fmt.Errorf("failed to read statuses: %w", err)
	}
	return res.(map[string]string), nil
}

// Ping checks Redis connectivity. Used by health checks.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the Redis connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
