package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/pkg/jobs"
)

// ChannelPrefix namespaces roster events on Redis.
const ChannelPrefix = "attendance:events:"

const relayJobType = "roster_event"

const (
	defaultRelayRetryDelay     = 100 * time.Millisecond
	defaultRelayEnqueueTimeout = 200 * time.Millisecond
)

type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RelayConfig configures the Redis relay worker.
type RelayConfig struct {
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	// EnqueueTimeout bounds how long Publish waits on a full backlog before
	// delivering locally.
	EnqueueTimeout time.Duration
	Logger         *zap.Logger
}

// RedisRelay forwards events through Redis pub/sub so every instance's hub
// sees every change. Local subscribers receive events via the PSUBSCRIBE loop.
type RedisRelay struct {
	client         redisPubSubClient
	hub            *Hub
	queue          *jobs.Queue
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

type relayPayload struct {
	Topic string
	Event models.RosterEvent
}

// NewRedisRelay builds a relay around the hub. Call Start before publishing.
func NewRedisRelay(client redisPubSubClient, hub *Hub, cfg RelayConfig) *RedisRelay {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRelayRetryDelay
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultRelayEnqueueTimeout
	}
	r := &RedisRelay{client: client, hub: hub, enqueueTimeout: cfg.EnqueueTimeout, logger: cfg.Logger}
	// one worker keeps redis publishes in submission order
	r.queue = jobs.NewQueue("event-relay", r.handle, jobs.QueueConfig{
		Workers:    1,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     cfg.Logger,
		OnFailure:  r.deliverLocally,
	})
	return r
}

// Start launches the publish worker and the subscription loop.
func (r *RedisRelay) Start(ctx context.Context) {
	r.queue.Start(ctx)
	pubsub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	go func() {
		defer pubsub.Close() //nolint:errcheck
		r.consume(ctx, pubsub.Channel())
	}()
}

// Stop halts the publish worker.
func (r *RedisRelay) Stop() {
	r.queue.Stop()
}

// Publish hands the event to the relay worker. A full backlog is waited on
// for at most the enqueue timeout; after that, or when the worker is not
// running, the event is delivered to local subscribers only.
func (r *RedisRelay) Publish(topic string, evt models.RosterEvent) {
	job := jobs.Job{
		ID:      fmt.Sprintf("%s:%s", topic, evt.UserID),
		Type:    relayJobType,
		Payload: relayPayload{Topic: topic, Event: evt},
	}
	err := r.queue.TryEnqueue(job)
	if errors.Is(err, jobs.ErrQueueFull) {
		ctx, cancel := context.WithTimeout(context.Background(), r.enqueueTimeout)
		err = r.queue.EnqueueContext(ctx, job)
		cancel()
	}
	if err != nil {
		r.logger.Warn("relay unavailable, delivering locally", zap.String("topic", topic), zap.Error(err))
		r.hub.Publish(topic, evt)
	}
}

// deliverLocally keeps this instance's subscribers current when redis
// rejected the event on every attempt.
func (r *RedisRelay) deliverLocally(job jobs.Job, err error) {
	payload, ok := job.Payload.(relayPayload)
	if !ok {
		return
	}
	r.logger.Warn("redis publish failed, delivering locally",
		zap.String("topic", payload.Topic), zap.String("job_id", job.ID), zap.Error(err))
	r.hub.Publish(payload.Topic, payload.Event)
}

func (r *RedisRelay) handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(relayPayload)
	if !ok {
		return nil
	}
	data, err := json.Marshal(payload.Event)
	if err != nil {
		return fmt.Errorf("marshal roster event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelPrefix+payload.Topic, data).Err(); err != nil {
		return fmt.Errorf("publish roster event: %w", err)
	}
	return nil
}

func (r *RedisRelay) consume(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			var evt models.RosterEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warn("discarding malformed roster event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			r.hub.Publish(topic, evt)
		}
	}
}
