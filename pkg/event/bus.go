package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Bus fans agent events out to application handlers. Synchronous handlers
// run on the publishing goroutine, asynchronous ones on the worker pool.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	nextID  SubscriptionID
	stopped bool

	work    chan func()
	workers int
	logger  logrus.FieldLogger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight sync.WaitGroup
}

// NewBus creates a bus with the given number of async workers. Call Start
// before publishing.
func NewBus(workers int) *Bus {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:    make(map[EventType][]*subscription),
		work:    make(chan func(), workers*10),
		workers: workers,
		logger:  logrus.WithField("component", "event"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Bus) SetLogger(logger logrus.FieldLogger) {
	b.logger = logger
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType EventType, handler Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if handler == nil {
		return 0, errors.New("handler cannot be nil")
	}
	s := &subscription{handler: handler}
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s.id = b.nextID
	list := append(b.subs[eventType], s)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	b.subs[eventType] = list

	b.logger.WithFields(logrus.Fields{
		"event":    eventType,
		"priority": s.priority,
		"async":    s.async,
		"deviceId": s.deviceID,
	}).Debug("Subscribed handler")
	return s.id, nil
}

// Unsubscribe removes a registration and reports whether it existed.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[eventType] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Publish delivers e to every matching handler and waits for all of them.
// Handler errors and panics are joined into the returned error.
func (b *Bus) Publish(e *Event) error {
	if e == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	var targets []*subscription
	for _, s := range b.subs[e.Type] {
		if s.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	b.logger.WithFields(logrus.Fields{"event": e.Type, "source": e.Source()}).
		Debugf("Publishing event to %d handlers", len(targets))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	for _, s := range targets {
		h := s.handler
		if !s.async {
			collect(b.call(h, e))
			continue
		}
		wg.Add(1)
		b.submit(func() {
			defer wg.Done()
			collect(b.call(h, e))
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// PublishAsync delivers e without waiting. Stop waits for such deliveries.
// Events published once Stop has begun are dropped.
func (b *Bus) PublishAsync(e *Event) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		b.logger.WithField("event", e.Type).Debug("Event bus stopped, dropping event")
		return
	}
	b.inFlight.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.inFlight.Done()
		if err := b.Publish(e); err != nil {
			b.logger.WithField("event", e.Type).Warnf("Event handler failed: %v", err)
		}
	}()
}

func (b *Bus) call(h Handler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.WithField("event", e.Type).Errorf("Handler panic: %v", r)
		}
	}()
	return h(e)
}

// submit hands work to the pool. After Stop the work runs on the caller.
func (b *Bus) submit(work func()) {
	select {
	case b.work <- work:
	case <-b.ctx.Done():
		work()
	case <-time.After(5 * time.Second):
		b.logger.Warn("Worker pool full, running handler on its own goroutine")
		go work()
	}
}

// Start launches the async workers.
func (b *Bus) Start() error {
	b.logger.Debugf("Starting event bus with %d workers", b.workers)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.loop()
	}
	return nil
}

// Stop waits for pending async publishes, stops the workers and drops all
// registrations.
func (b *Bus) Stop() error {
	return b.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx. When ctx ends first the workers are
// cancelled, handlers still running are abandoned and ctx's error is
// returned.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		b.inFlight.Wait()
		b.cancel()
		b.wg.Wait()
		for {
			select {
			case work := <-b.work:
				work()
			default:
				return
			}
		}
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		select {
		case <-drained:
		default:
			b.cancel()
			err = fmt.Errorf("event bus stop: %w", ctx.Err())
		}
	}

	b.mu.Lock()
	b.subs = make(map[EventType][]*subscription)
	b.mu.Unlock()
	if err != nil {
		b.logger.Warnf("Event bus stopped with handlers still running: %v", err)
		return err
	}
	b.logger.Debug("Event bus stopped")
	return nil
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case work := <-b.work:
			work()
		case <-b.ctx.Done():
			return
		}
	}
}
