// Package notify forwards task events from the bus to external sinks.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "backtest"
	publishTimeout       = 2 * time.Second
)

// RedisPublisher is the subset of the redis client the sink needs
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink republishes task events on redis pub/sub. Each event goes to
// <prefix>:task:<id> and to <prefix>:tasks.
type RedisSink struct {
	client RedisPublisher
	closer func() error
	prefix string
	logger *zap.Logger
}

// NewRedisSink connects to redis and checks the connection
func NewRedisSink(ctx context.Context, logger *zap.Logger, cfg types.RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// redis may still be starting alongside the service
	_, err := utils.Retry(utils.DefaultRetryConfig(), func() (string, error) {
		pingCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return rdb.Ping(pingCtx).Result()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	sink := NewRedisSinkWithClient(logger, rdb, cfg.ChannelPrefix)
	sink.closer = rdb.Close
	return sink, nil
}

// NewRedisSinkWithClient wraps an existing client
func NewRedisSinkWithClient(logger *zap.Logger, client RedisPublisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisSink{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_sink")),
	}
}

// TaskChannel is the channel carrying the events of one task
func (s *RedisSink) TaskChannel(taskID string) string {
	return s.prefix + ":task:" + taskID
}

// AllChannel is the channel carrying every event
func (s *RedisSink) AllChannel() string {
	return s.prefix + ":tasks"
}

// Handle publishes one event; it is an events.EventHandler
func (s *RedisSink) Handle(event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if event.TaskID != "" {
		if err := s.client.Publish(ctx, s.TaskChannel(event.TaskID), data).Err(); err != nil {
			return fmt.Errorf("failed to publish to redis: %w", err)
		}
	}
	if err := s.client.Publish(ctx, s.AllChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Attach subscribes the sink to every event on the bus
func (s *RedisSink) Attach(bus *events.EventBus) *events.Subscription {
	s.logger.Info("Redis sink attached", zap.String("prefix", s.prefix))
	return bus.SubscribeAll(s.Handle)
}

// Close releases the connection opened by NewRedisSink
func (s *RedisSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
