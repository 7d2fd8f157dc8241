package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig selects the Pub/Sub channels to read.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channels []string
}

// RedisSource enqueues Pub/Sub payloads as signal jobs.
type RedisSource struct {
	client   *redis.Client
	channels []string
	sink     Sink
	logger   *zap.Logger
}

// NewRedisSource creates a source. The connection is opened by Run.
func NewRedisSource(cfg RedisConfig, sink Sink, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []string{"signals"}
	}
	return &RedisSource{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channels: channels,
		sink:     sink,
		logger:   logger.Named("redis"),
	}
}

// Name implements Source.
func (r *RedisSource) Name() string { return SourceRedis }

// Run subscribes and forwards payloads until ctx ends. go-redis reconnects
// the subscription by itself.
func (r *RedisSource) Run(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	pubsub := r.client.Subscribe(ctx, r.channels...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %v: %w", r.channels, err)
	}
	r.logger.Info("redis source subscribed", zap.Strings("channels", r.channels))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if err := r.sink.Enqueue(ctx, decodePayload(msg.Channel, msg.Payload)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Close releases the client.
func (r *RedisSource) Close() error {
	return r.client.Close()
}

type redisEnvelope struct {
	Channel string `json:"channel"`
	ID      int64  `json:"id"`
	Text    string `json:"text"`
}

// decodePayload accepts either a JSON envelope or raw signal text.
func decodePayload(channel, payload string) Job {
	job := Job{Source: SourceRedis, Channel: channel, Text: payload}
	if !strings.HasPrefix(strings.TrimSpace(payload), "{") {
		return job
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Text == "" {
		return job
	}
	job.Text = env.Text
	job.MsgID = env.ID
	if env.Channel != "" {
		job.Channel = env.Channel
	}
	return job
}
