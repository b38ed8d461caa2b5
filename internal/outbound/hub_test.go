package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trade_gateway/internal/model"
	"trade_gateway/pkg/concurrency"
	"trade_gateway/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(venue, code string) model.OutboundEvent {
	return model.InfoEvent(venue, "INFO", code, "test", time.Now())
}

func startHub(t *testing.T, buffer int, sinks ...Sink) (*Hub, context.CancelFunc) {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "outbound-test", MaxWorkers: 2}, logging.NewNop())
	h := NewHub(buffer, pool, logging.NewNop())
	for _, s := range sinks {
		h.AddSink(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		pool.Stop()
	})
	return h, cancel
}

func TestHub_FansOutToSubscribersAndSinks(t *testing.T) {
	mem := NewMemoryJournal()
	h, _ := startHub(t, 16, mem)
	sub := h.Subscribe("ui", 16)
	assert.Equal(t, 1, h.SubscriberCount())

	for _, code := range []string{"a", "b", "c"} {
		h.Publish(info("v1", code))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, want, ev.Info.Code)
		case <-time.After(time.Second):
			t.Fatal("subscriber starved")
		}
	}
	require.Eventually(t, func() bool { return mem.Len() == 3 }, time.Second, 5*time.Millisecond)
	events := mem.Events()
	assert.Equal(t, "a", events[0].Info.Code)
	assert.Equal(t, "c", events[2].Info.Code)
}

func TestHub_ConcurrentProducers(t *testing.T) {
	mem := NewMemoryJournal()
	h, _ := startHub(t, 1024, mem)

	var wg sync.WaitGroup
	for _, venue := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Publish(info(v, "x"))
			}
		}(venue)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return mem.Len() == 200 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	mem := NewMemoryJournal()
	h, _ := startHub(t, 64, mem)
	slow := h.Subscribe("slow", 1)

	for i := 0; i < 10; i++ {
		h.Publish(info("v1", "x"))
	}
	require.Eventually(t, func() bool { return mem.Len() == 10 }, time.Second, 5*time.Millisecond)
	assert.Len(t, slow.Events(), 1)
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	// not running, so nothing drains the queue
	h := NewHub(2, nil, logging.NewNop())
	for i := 0; i < 5; i++ {
		h.Publish(info("v1", "x"))
	}
	assert.Len(t, h.in, 2)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Deliver(context.Context, model.OutboundEvent) error {
	f.calls++
	return errors.New("disk full")
}

func TestHub_SinkErrorIsolated(t *testing.T) {
	bad := &failingSink{}
	mem := NewMemoryJournal()
	h := NewHub(8, nil, logging.NewNop())
	h.AddSink(bad)
	h.AddSink(mem)

	h.Publish(info("v1", "x"))
	h.Publish(info("v1", "y"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	assert.Equal(t, 2, bad.calls)
	assert.Equal(t, 2, mem.Len())
}

func TestHub_StopDrainsAndClosesSubscribers(t *testing.T) {
	h := NewHub(8, nil, logging.NewNop())
	sub := h.Subscribe("ui", 8)
	h.Publish(info("v1", "last"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, "last", ev.Info.Code)
	_, ok = <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestHub_Unsubscribe(t *testing.T) {
	h, _ := startHub(t, 8)
	sub := h.Subscribe("ui", 8)
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.False(t, sub.offer(info("v1", "x")))
}
