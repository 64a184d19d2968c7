package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/geoattend-api/internal/models"
	"github.com/noah-isme/geoattend-api/pkg/jobs"
)

type redisClientStub struct {
	mu        sync.Mutex
	published []redis.Message
	err       error
	block     chan struct{}
	attempts  int
}

func (s *redisClientStub) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	s.published = append(s.published, redis.Message{Channel: channel, Payload: string(message.([]byte))})
	return redis.NewIntResult(1, nil)
}

func (s *redisClientStub) PSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return nil
}

func (s *redisClientStub) attempted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *redisClientStub) messages() []redis.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]redis.Message(nil), s.published...)
}

func TestRedisRelayPublishesThroughWorker(t *testing.T) {
	client := &redisClientStub{}
	relay := NewRedisRelay(client, NewHub(HubConfig{}), RelayConfig{})
	relay.queue.Start(context.Background())
	defer relay.Stop()

	relay.Publish("s1", event("u1"))
	relay.Publish("s1", event("u2"))

	require.Eventually(t, func() bool { return len(client.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := client.messages()
	assert.Equal(t, ChannelPrefix+"s1", msgs[0].Channel)

	var first models.RosterEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &first))
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, models.EventRosterUpdated, first.Kind)
}

func TestRedisRelayFallsBackToLocalHubWhenStopped(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1")
	defer sub.Close()

	relay := NewRedisRelay(&redisClientStub{}, hub, RelayConfig{})
	relay.Publish("s1", event("u1"))

	assert.Equal(t, "u1", receive(t, sub).UserID)
}

func TestRedisRelayHandleReportsPublishError(t *testing.T) {
	client := &redisClientStub{err: errors.New("connection refused")}
	relay := NewRedisRelay(client, NewHub(HubConfig{}), RelayConfig{})
	err := relay.handle(context.Background(), jobs.Job{ID: "s1:u1", Payload: relayPayload{Topic: "s1", Event: event("u1")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish roster event")
}

func TestRedisRelayDeliversLocallyWhenRedisFails(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1")
	defer sub.Close()

	client := &redisClientStub{err: errors.New("connection refused")}
	relay := NewRedisRelay(client, hub, RelayConfig{MaxRetries: 0})
	relay.queue.Start(context.Background())
	defer relay.Stop()

	relay.Publish("s1", event("u1"))

	assert.Equal(t, "u1", receive(t, sub).UserID)
	assert.Empty(t, client.messages())
}

func TestRedisRelayWaitsForBacklogBeforeFallingBack(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1")
	defer sub.Close()

	client := &redisClientStub{block: make(chan struct{})}
	relay := NewRedisRelay(client, hub, RelayConfig{BufferSize: 1, EnqueueTimeout: 5 * time.Second})
	relay.queue.Start(context.Background())
	defer relay.Stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(client.block)
	}()
	for _, uid := range []string{"u1", "u2", "u3"} {
		relay.Publish("s1", event(uid))
	}

	require.Eventually(t, func() bool { return len(client.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	var order []string
	for _, msg := range client.messages() {
		var evt models.RosterEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		order = append(order, evt.UserID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, order)

	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected local delivery of %s", evt.UserID)
	default:
	}
}

func TestRedisRelayFallsBackAfterEnqueueTimeout(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1")
	defer sub.Close()

	client := &redisClientStub{block: make(chan struct{})}
	relay := NewRedisRelay(client, hub, RelayConfig{BufferSize: 1, EnqueueTimeout: 10 * time.Millisecond})
	relay.queue.Start(context.Background())
	defer relay.Stop()
	defer close(client.block)

	relay.Publish("s1", event("u1"))
	require.Eventually(t, func() bool { return client.attempted() == 1 }, time.Second, time.Millisecond)
	relay.Publish("s1", event("u2"))
	relay.Publish("s1", event("u3"))

	assert.Equal(t, "u3", receive(t, sub).UserID)
}

func TestRedisRelayConsumeFeedsHub(t *testing.T) {
	hub := NewHub(HubConfig{})
	sub := hub.Subscribe("s1")
	defer sub.Close()
	relay := NewRedisRelay(&redisClientStub{}, hub, RelayConfig{})

	data, err := json.Marshal(event("u9"))
	require.NoError(t, err)

	messages := make(chan *redis.Message, 3)
	messages <- &redis.Message{Channel: ChannelPrefix + "s1", Payload: "{not json"}
	messages <- &redis.Message{Channel: ChannelPrefix + "s1", Payload: string(data)}
	close(messages)

	relay.consume(context.Background(), messages)

	evt := receive(t, sub)
	assert.Equal(t, "u9", evt.UserID)
	assert.Equal(t, uint64(1), evt.Sequence)
}
