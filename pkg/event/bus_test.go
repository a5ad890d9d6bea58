package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBus(t *testing.T, workers int) *Bus {
	t.Helper()
	bus := NewBus(workers)
	require.NoError(t, bus.Start())
	return bus
}

func TestBus(t *testing.T) {
	t.Run("PriorityOrder", func(t *testing.T) {
		bus := startedBus(t, 1)
		defer bus.Stop()

		var order []string
		_, err := bus.Subscribe(EventManaged, func(*Event) error { order = append(order, "low"); return nil }, WithPriority(1))
		require.NoError(t, err)
		_, err = bus.Subscribe(EventManaged, func(*Event) error { order = append(order, "high"); return nil }, WithPriority(10))
		require.NoError(t, err)

		require.NoError(t, bus.Publish(NewEvent(EventManaged, "t", "d", nil)))
		assert.Equal(t, []string{"high", "low"}, order)
	})

	t.Run("AsyncHandlersComplete", func(t *testing.T) {
		bus := startedBus(t, 2)
		defer bus.Stop()

		var calls int32
		for i := 0; i < 3; i++ {
			_, err := bus.Subscribe(EventActionStatus, func(*Event) error {
				atomic.AddInt32(&calls, 1)
				return nil
			}, Async())
			require.NoError(t, err)
		}
		require.NoError(t, bus.Publish(NewEvent(EventActionStatus, "t", "d", 202)))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("ForDevice", func(t *testing.T) {
		bus := startedBus(t, 1)
		defer bus.Stop()

		var got []string
		_, _ = bus.Subscribe(EventManaged, func(e *Event) error { got = append(got, "s1:"+e.DeviceID); return nil }, ForDevice("sensor", "s1"))
		_, _ = bus.Subscribe(EventManaged, func(e *Event) error { got = append(got, "all:"+e.DeviceID); return nil })

		require.NoError(t, bus.Publish(NewEvent(EventManaged, "sensor", "s1", nil)))
		require.NoError(t, bus.Publish(NewEvent(EventManaged, "sensor", "s2", nil)))
		require.NoError(t, bus.Publish(NewEvent(EventManaged, "gw", "s1", nil)))
		assert.Equal(t, []string{"s1:s1", "all:s1", "all:s2", "all:s1"}, got)
	})

	t.Run("ErrorsAndPanicsReported", func(t *testing.T) {
		bus := startedBus(t, 1)
		defer bus.Stop()

		boom := errors.New("boom")
		_, _ = bus.Subscribe(EventLeaseFailed, func(*Event) error { return boom })
		_, _ = bus.Subscribe(EventLeaseFailed, func(*Event) error { panic("bad handler") })
		err := bus.Publish(NewEvent(EventLeaseFailed, "t", "d", nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "bad handler")
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := NewBus(1)
		id, err := bus.Subscribe(EventManaged, func(*Event) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, bus.SubscriberCount(EventManaged))
		assert.True(t, bus.Unsubscribe(EventManaged, id))
		assert.False(t, bus.Unsubscribe(EventManaged, id))
		assert.Equal(t, 0, bus.SubscriberCount(EventManaged))

		_, err = bus.Subscribe(EventManaged, nil)
		assert.Error(t, err)
	})

	t.Run("StopWaitsForAsyncPublish", func(t *testing.T) {
		bus := startedBus(t, 1)

		var mu sync.Mutex
		var got []string
		_, _ = bus.Subscribe(EventFirmwareState, func(e *Event) error {
			mu.Lock()
			got = append(got, e.Data.(string))
			mu.Unlock()
			return nil
		})
		bus.PublishAsync(NewEvent(EventFirmwareState, "t", "d", "DOWNLOADING"))
		require.NoError(t, bus.Stop())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"DOWNLOADING"}, got)
		assert.Equal(t, 0, bus.SubscriberCount(EventFirmwareState))
	})
}

func TestBusShutdown(t *testing.T) {
	t.Run("PublishAfterStopIsDropped", func(t *testing.T) {
		bus := startedBus(t, 1)
		var calls atomic.Int32
		_, _ = bus.Subscribe(EventUnmanaged, func(*Event) error { calls.Add(1); return nil })
		require.NoError(t, bus.Stop())

		bus.PublishAsync(NewEvent(EventUnmanaged, "t", "d", nil))
		assert.NoError(t, bus.Stop())
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("ConcurrentPublishAndStop", func(t *testing.T) {
		bus := startedBus(t, 2)
		_, _ = bus.Subscribe(EventManaged, func(*Event) error { return nil }, Async())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					bus.PublishAsync(NewEvent(EventManaged, "t", "d", j))
				}
			}()
		}
		require.NoError(t, bus.Stop())
		wg.Wait()
	})

	t.Run("BoundedByContext", func(t *testing.T) {
		bus := startedBus(t, 1)
		release := make(chan struct{})
		defer close(release)
		_, _ = bus.Subscribe(EventManaged, func(*Event) error { <-release; return nil })
		bus.PublishAsync(NewEvent(EventManaged, "t", "d", nil))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := bus.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 0, bus.SubscriberCount(EventManaged))
	})
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventManaged, "sensor", "s1", nil)
	b := NewEvent(EventManaged, "sensor", "s1", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "sensor:s1", a.Source())
	assert.False(t, a.Time.IsZero())
}
