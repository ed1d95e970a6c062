// Package cache is the shared redis layer used in async mode, where
// several clients per region run across processes. It carries the
// cross-process log channel and the namespace cleanup on shutdown.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riftpool/riftpool/internal/config"
)

const (
	// Namespace prefixes every key this manager writes.
	Namespace = "riftpool"

	logKey = Namespace + ".logs"

	drainBatchSize = 100
)

// LogEntry is one aggregated log record pushed by a pool process.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Client  string    `json:"client,omitempty"`
}

// Cache wraps the shared redis instance.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to the configured redis instance.
func New(cfg config.RedisConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	})
	return &Cache{rdb: rdb, logger: logger}
}

// NewWithClient wraps an existing redis client (tests).
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{rdb: rdb, logger: logger}
}

// Ping verifies the redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// PublishLog appends one entry to the shared log list.
func (c *Cache) PublishLog(ctx context.Context, entry LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if err := c.rdb.RPush(ctx, logKey, data).Err(); err != nil {
		return fmt.Errorf("push log entry: %w", err)
	}
	return nil
}

// DrainLogs pops queued entries in batches and re-emits them through the
// local logger. Returns the number of entries drained.
func (c *Cache) DrainLogs(ctx context.Context) (int, error) {
	drained := 0
	for {
		entries, err := c.rdb.LPopCount(ctx, logKey, drainBatchSize).Result()
		if errors.Is(err, redis.Nil) {
			return drained, nil
		}
		if err != nil {
			return drained, fmt.Errorf("pop log entries: %w", err)
		}
		for _, raw := range entries {
			c.emit(raw)
			drained++
		}
		if len(entries) < drainBatchSize {
			return drained, nil
		}
	}
}

func (c *Cache) emit(raw string) {
	var entry LogEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("malformed shared log entry", "raw", raw)
		return
	}
	attrs := []any{"origin_time", entry.Time}
	if entry.Client != "" {
		attrs = append(attrs, "client", entry.Client)
	}
	switch entry.Level {
	case "error":
		c.logger.Error(entry.Message, attrs...)
	case "warn":
		c.logger.Warn(entry.Message, attrs...)
	default:
		c.logger.Info(entry.Message, attrs...)
	}
}

// ClearNamespace deletes every key under the manager namespace. Part of
// the shutdown sweep.
func (c *Cache) ClearNamespace(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, Namespace+".*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan namespace: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete namespace keys: %w", err)
	}
	c.logger.Debug("cleared cache namespace", "keys", len(keys))
	return nil
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
