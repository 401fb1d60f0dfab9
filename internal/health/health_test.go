package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry(0)
	r.Register("db", ok)
	r.Register("rpc", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name)
	assert.Equal(t, "rpc", statuses[1].Name)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(0)
	r.Register("db", func(context.Context) error { return errors.New("connection refused") })
	r.Register("rpc", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.False(t, statuses[0].Healthy)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestRegistryChecksRunConcurrently(t *testing.T) {
	r := NewRegistry(time.Second)
	slow := func(context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	for i := 0; i < 5; i++ {
		r.Register("slow", slow)
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(time.Second) // ignores cancellation for a while
		return nil
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline exceeded")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistryPanickingChecker(t *testing.T) {
	r := NewRegistry(0)
	r.Register("broken", func(context.Context) error { panic("boom") })
	r.Register("fine", ok)

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "boom")
	assert.True(t, statuses[1].Healthy)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", ok)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 20)
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fakeHead struct {
	head uint64
	err  error
}

func (h fakeHead) BlockNumber(context.Context) (uint64, error) { return h.head, h.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Database(fakePinger{})(ctx))
	assert.Error(t, Database(fakePinger{err: errors.New("down")})(ctx))

	assert.NoError(t, RPC(fakeHead{head: 12})(ctx))
	assert.Error(t, RPC(fakeHead{})(ctx))
	assert.Error(t, RPC(fakeHead{err: errors.New("dial")})(ctx))

	running := true
	check := Running(func() bool { return running })
	assert.NoError(t, check(ctx))
	running = false
	assert.EqualError(t, check(ctx), "not running")
}
