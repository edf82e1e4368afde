package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/cascade/queue"
	"github.com/xraph/cascade/queue/queuetest"
	redisqueue "github.com/xraph/cascade/queue/redis"
)

func newClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBackend_Conformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Backend {
		return redisqueue.NewBackend(newClient(t))
	})
}

func TestBackend_SharedAcrossInstances(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	a := redisqueue.NewBackend(client)
	b := redisqueue.NewBackend(client)

	now := time.Now().UTC()
	if err := a.Add(ctx, &queue.Job{ID: "run_1__a", Queue: "q", State: queue.StatePending, RunAt: now}); err != nil {
		t.Fatal(err)
	}

	j, err := b.Claim(ctx, "q", now.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if j == nil || j.ID != "run_1__a" {
		t.Fatalf("instance b did not see the job: %+v", j)
	}
	if again, _ := a.Claim(ctx, "q", now.Add(time.Second)); again != nil {
		t.Fatalf("job claimed twice: %+v", again)
	}
}

func TestBackend_PrefixIsolation(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	a := redisqueue.NewBackend(client, redisqueue.WithPrefix("a:"))
	b := redisqueue.NewBackend(client, redisqueue.WithPrefix("b:"))

	now := time.Now().UTC()
	job := &queue.Job{ID: "same", Queue: "q", State: queue.StatePending, RunAt: now}
	if err := a.Add(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := b.Add(ctx, job); err != nil {
		t.Fatalf("prefixes must not share ids: %v", err)
	}
}
