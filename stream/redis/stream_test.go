package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/cascade/event"
	"github.com/xraph/cascade/stream"
	redisstream "github.com/xraph/cascade/stream/redis"
)

func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStream_CrossInstanceDelivery(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	publisher := redisstream.New(client)
	defer publisher.Close()
	subscriber := redisstream.New(client)
	defer subscriber.Close()

	sub, err := subscriber.Subscribe(ctx, stream.RunTopic("run_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"run:run_1"}, subscriber.ListTopics())

	rec := &event.Record{
		ID:        "1767225600000-0",
		Timestamp: time.UnixMilli(1767225600000).UTC(),
		Type:      event.Emit,
		RunID:     "run_1",
		FlowName:  "checkout",
		StepName:  "charge",
		Data:      []byte(`{"name":"charged"}`),
	}

	// The channel subscription is asynchronous; publish until it lands.
	var got *event.Record
	require.Eventually(t, func() bool {
		if err := publisher.Publish(ctx, stream.RunTopic("run_1"), rec); err != nil {
			return false
		}
		select {
		case got = <-sub.C():
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, "charge", got.StepName)
	assert.JSONEq(t, `{"name":"charged"}`, string(got.Data))
	assert.True(t, rec.Timestamp.Equal(got.Timestamp))
}

func TestStream_UnsubscribeStopsDelivery(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	s := redisstream.New(client)
	defer s.Close()

	sub, err := s.Subscribe(ctx, stream.FlowTopic("checkout"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.SubscriptionCount("flow:checkout"))

	sub.Unsubscribe()
	assert.Equal(t, 0, s.SubscriptionCount("flow:checkout"))
	assert.Empty(t, s.ListTopics())

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := redisstream.New(newClient(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
