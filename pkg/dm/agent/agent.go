// Package agent implements the managed client: the manage lease and its
// renewal, the inbound mailbox feeding the request handlers, correlation of
// server responses, and the device-initiated location and diagnostics
// operations. A Gateway multiplexes several managed identities over one
// transport.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iotdm-go-sdk/pkg/config"
	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/dm/handler"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
	"github.com/iotdm-go-sdk/pkg/dm/topic"
	"github.com/iotdm-go-sdk/pkg/event"
)

// State is the manage lease state of an agent.
type State int32

const (
	StateUnmanaged State = iota
	StateManaging
	StateManaged
	StateUnmanaging
)

func (s State) String() string {
	switch s {
	case StateUnmanaged:
		return "UNMANAGED"
	case StateManaging:
		return "MANAGING"
	case StateManaged:
		return "MANAGED"
	case StateUnmanaging:
		return "UNMANAGING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type options struct {
	logger logrus.FieldLogger
	bus    *event.Bus
	role   topic.Role
}

// Option customizes an agent.
type Option func(*options)

// WithLogger sets the base logger. The agent adds its identity fields.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
// The caller keeps ownership of the bus.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

type inbound struct {
	handler handler.RequestHandler
	topic   string
	payload []byte
}

type outbound struct {
	topic   string
	payload []byte
	done    chan error
}

type binding struct {
	node   *resource.Node
	handle resource.Handle
}

// ManagedAgent manages one device identity over a Transport.
type ManagedAgent struct {
	transport Transport
	data      *devicedata.DeviceData
	cfg       config.DMConfig
	topics    topic.Topics
	logger    logrus.FieldLogger
	bus       *event.Bus
	ownsBus   bool

	handlers  *handler.Set
	pending   *pending
	listeners []func()

	mu              sync.Mutex
	state           State
	lease           *lease
	observers       []binding
	deviceHandler   handler.DeviceActionHandler
	firmwareHandler handler.FirmwareHandler
	customHandler   handler.CustomActionHandler

	routeMu        sync.Mutex
	responseRouted bool

	mailbox  chan inbound
	outbox   chan outbound
	errs     chan error
	drainIn  chan struct{}
	inDone   chan struct{}
	drainOut chan struct{}
	outDone  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	goMu     sync.RWMutex
	stopped  bool
	workers  sync.WaitGroup
	renewals sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New creates an agent for the device described by data. The agent starts
// its workers immediately but subscribes nothing until Manage.
func New(transport Transport, data *devicedata.DeviceData, cfg config.DMConfig, opts ...Option) *ManagedAgent {
	o := &options{role: topic.Device}
	for _, opt := range opts {
		opt(o)
	}
	return newAgent(transport, data, cfg, o)
}

func newAgent(transport Transport, data *devicedata.DeviceData, cfg config.DMConfig, o *options) *ManagedAgent {
	cfg = withDefaults(cfg)

	base := o.logger
	if base == nil {
		base = logrus.StandardLogger()
	}

	a := &ManagedAgent{
		transport: transport,
		data:      data,
		cfg:       cfg,
		topics:    topic.For(o.role, data.TypeID(), data.DeviceID()),
		logger: base.WithFields(logrus.Fields{
			"component": "dm",
			"role":      o.role.String(),
			"typeId":    data.TypeID(),
			"deviceId":  data.DeviceID(),
		}),
		bus:      o.bus,
		pending:  newPending(),
		mailbox:  make(chan inbound, cfg.MailboxSize),
		outbox:   make(chan outbound, cfg.MailboxSize),
		errs:     make(chan error, 1),
		drainIn:  make(chan struct{}),
		inDone:   make(chan struct{}),
		drainOut: make(chan struct{}),
		outDone:  make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.bus == nil {
		a.bus = event.NewBus(1)
		a.bus.SetLogger(a.logger)
		_ = a.bus.Start()
		a.ownsBus = true
	}

	a.handlers = handler.NewSet(a)
	a.watchActions()

	go a.runMailbox()
	go a.runOutbox()
	transport.OnConnect(a.onConnect)
	return a
}

func withDefaults(cfg config.DMConfig) config.DMConfig {
	def := config.DefaultDMConfig()
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.RenewalRetryInterval <= 0 {
		cfg.RenewalRetryInterval = def.RenewalRetryInterval
	}
	if cfg.MaxRenewalFailures <= 0 {
		cfg.MaxRenewalFailures = def.MaxRenewalFailures
	}
	return cfg
}

func (a *ManagedAgent) Topics() topic.Topics { return a.topics }

func (a *ManagedAgent) DeviceData() *devicedata.DeviceData { return a.data }

func (a *ManagedAgent) Logger() logrus.FieldLogger { return a.logger }

// Events returns the bus lifecycle and action events are published on.
func (a *ManagedAgent) Events() *event.Bus { return a.bus }

// Errors reports failures that happen outside any caller, such as a lease
// that could not be renewed MaxRenewalFailures times in a row.
func (a *ManagedAgent) Errors() <-chan error { return a.errs }

func (a *ManagedAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *ManagedAgent) IsManaged() bool {
	return a.State() == StateManaged
}

func (a *ManagedAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// SetDeviceActionHandler registers the reboot and factory reset callback.
func (a *ManagedAgent) SetDeviceActionHandler(h handler.DeviceActionHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deviceHandler != nil {
		return fmt.Errorf("%w: device action", dm.ErrHandlerExists)
	}
	a.deviceHandler = h
	return nil
}

// SetFirmwareHandler registers the firmware download and update callback.
func (a *ManagedAgent) SetFirmwareHandler(h handler.FirmwareHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firmwareHandler != nil {
		return fmt.Errorf("%w: firmware", dm.ErrHandlerExists)
	}
	a.firmwareHandler = h
	return nil
}

// SetCustomActionHandler registers the device management extension callback.
func (a *ManagedAgent) SetCustomActionHandler(h handler.CustomActionHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.customHandler != nil {
		return fmt.Errorf("%w: custom action", dm.ErrHandlerExists)
	}
	a.customHandler = h
	return nil
}

func (a *ManagedAgent) DeviceActionHandler() handler.DeviceActionHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceHandler
}

func (a *ManagedAgent) FirmwareHandler() handler.FirmwareHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firmwareHandler
}

func (a *ManagedAgent) CustomActionHandler() handler.CustomActionHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.customHandler
}

// Respond queues resp on the device response topic.
func (a *ManagedAgent) Respond(resp dm.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return a.enqueue(a.topics.Response, payload, nil)
}

// Notify queues a notification of the observed fields.
func (a *ManagedAgent) Notify(fields []dm.Field) error {
	payload, err := json.Marshal(dm.Notification{D: dm.FieldsData{Fields: fields}})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return a.enqueue(a.topics.Notify, payload, nil)
}

func (a *ManagedAgent) Resolve(resp *dm.Response) bool {
	return a.pending.resolve(resp)
}

// Go runs fn on its own goroutine. Close waits for it, bounded by the
// shutdown timeout, after cancelling ctx.
func (a *ManagedAgent) Go(fn func(ctx context.Context)) {
	if !a.spawn(fn) {
		a.logger.Warn("Agent closed, dropping background work")
	}
}

func (a *ManagedAgent) spawn(fn func(ctx context.Context)) bool {
	a.goMu.RLock()
	if a.stopped {
		a.goMu.RUnlock()
		return false
	}
	a.workers.Add(1)
	a.goMu.RUnlock()

	go func() {
		defer a.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Errorf("Background work panic: %v", r)
			}
		}()
		fn(a.ctx)
	}()
	return true
}

// intake routes handler topics through the agent mailbox.
type intake struct {
	a *ManagedAgent
}

func (in intake) Route(t string, h handler.RequestHandler) error {
	err := in.a.transport.Subscribe(t, qos, func(msgTopic string, payload []byte) {
		in.a.receive(h, msgTopic, payload)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", dm.ErrTransport, err)
	}
	return nil
}

func (in intake) Unroute(t string) error {
	if err := in.a.transport.Unsubscribe(t); err != nil {
		return fmt.Errorf("%w: %w", dm.ErrTransport, err)
	}
	return nil
}

// receive runs on the transport delivery path and must not block.
func (a *ManagedAgent) receive(h handler.RequestHandler, t string, payload []byte) {
	if a.closing.Load() {
		a.logger.WithField("topic", t).Debug("Agent closing, dropping message")
		return
	}

	select {
	case a.mailbox <- inbound{handler: h, topic: t, payload: payload}:
	default:
		log := a.logger.WithField("topic", t)
		log.Warn("Mailbox full, rejecting request")
		req, _ := dm.ParseRequest(payload)
		if req == nil || req.ReqID == "" {
			return
		}
		resp, err := json.Marshal(dm.Response{ReqID: req.ReqID, RC: dm.CodeInternalError, Message: "device busy"})
		if err != nil {
			log.Errorf("Failed to marshal rejection: %v", err)
			return
		}
		if !a.tryEnqueue(a.topics.Response, resp) {
			log.WithField("reqId", req.ReqID).Warn("Outbox full, rejection dropped")
		}
	}
}

func (a *ManagedAgent) runMailbox() {
	defer close(a.inDone)
	for {
		select {
		case m := <-a.mailbox:
			a.dispatch(m)
		case <-a.drainIn:
			for {
				select {
				case m := <-a.mailbox:
					a.dispatch(m)
				default:
					return
				}
			}
		}
	}
}

func (a *ManagedAgent) dispatch(m inbound) {
	log := a.logger.WithField("topic", m.topic)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Request handler panic: %v", r)
		}
	}()
	log.Debug("Dispatching request")
	m.handler.HandleRequest(m.topic, m.payload)
}

// enqueue hands a publish to the outbox worker. When done is not nil it
// receives the publish result.
func (a *ManagedAgent) enqueue(t string, payload []byte, done chan error) error {
	select {
	case <-a.outDone:
		return dm.ErrClosed
	default:
	}

	select {
	case a.outbox <- outbound{topic: t, payload: payload, done: done}:
		return nil
	case <-a.outDone:
		return dm.ErrClosed
	}
}

// tryEnqueue is enqueue without waiting for room in the outbox.
func (a *ManagedAgent) tryEnqueue(t string, payload []byte) bool {
	select {
	case <-a.outDone:
		return false
	default:
	}
	select {
	case a.outbox <- outbound{topic: t, payload: payload}:
		return true
	default:
		return false
	}
}

func (a *ManagedAgent) runOutbox() {
	defer close(a.outDone)
	for {
		select {
		case m := <-a.outbox:
			a.publish(m)
		case <-a.drainOut:
			for {
				select {
				case m := <-a.outbox:
					a.publish(m)
				default:
					return
				}
			}
		}
	}
}

func (a *ManagedAgent) publish(m outbound) {
	err := a.transport.Publish(m.topic, m.payload, qos, false)
	if err != nil {
		err = fmt.Errorf("%w: %w", dm.ErrTransport, err)
	}
	if m.done != nil {
		m.done <- err
		return
	}
	if err != nil {
		a.logger.WithField("topic", m.topic).Errorf("Publish failed: %v", err)
		return
	}
	a.logger.WithField("topic", m.topic).Debug("Published")
}

// ensureResponseRoute subscribes the server response topic once. Responses
// are resolved on the delivery path so a waiting request never depends on
// the mailbox.
func (a *ManagedAgent) ensureResponseRoute() error {
	a.routeMu.Lock()
	defer a.routeMu.Unlock()
	if a.responseRouted {
		return nil
	}

	h := a.handlers.Response
	err := a.transport.Subscribe(h.Topic(), qos, func(t string, payload []byte) {
		h.HandleRequest(t, payload)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe to %s: %w", dm.ErrTransport, h.Topic(), err)
	}
	a.responseRouted = true
	return nil
}

// send publishes a device request and registers its waiter.
func (a *ManagedAgent) send(slot, t string, d interface{}) (*waiter, chan error, error) {
	if a.closing.Load() {
		return nil, nil, dm.ErrClosed
	}
	if err := a.ensureResponseRoute(); err != nil {
		return nil, nil, err
	}

	reqID := dm.NewRequestID()
	payload, err := json.Marshal(dm.Message{ReqID: reqID, D: d})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	w, err := a.pending.add(slot, reqID)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	if err := a.enqueue(t, payload, done); err != nil {
		a.pending.remove(w)
		return nil, nil, err
	}

	a.logger.WithFields(logrus.Fields{"topic": t, "reqId": reqID}).Debug("Sent request")
	return w, done, nil
}

// await blocks until the server answers w, the response timeout elapses or
// ctx is cancelled.
func (a *ManagedAgent) await(ctx context.Context, op string, w *waiter, done chan error) (*dm.Response, error) {
	timer := time.NewTimer(a.cfg.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return nil, err
			}
			done = nil
		case resp := <-w.ch:
			return resp, nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", dm.ErrTimeout, op)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.ctx.Done():
			return nil, dm.ErrClosed
		}
	}
}

func (a *ManagedAgent) request(ctx context.Context, slot, op, t string, d interface{}) (*dm.Response, error) {
	w, done, err := a.send(slot, t, d)
	if err != nil {
		return nil, err
	}
	defer a.pending.remove(w)
	return a.await(ctx, op, w, done)
}

// watchActions forwards action and firmware changes to the event bus.
func (a *ManagedAgent) watchActions() {
	deviceAction := a.data.DeviceAction()
	id := deviceAction.AddListener(func(ev action.Event) {
		if ev.Type != action.EventStatusChanged {
			return
		}
		a.emit(event.EventActionStatus, ActionStatus{
			Action:  string(ev.Kind),
			ReqID:   ev.ReqID,
			RC:      dm.ResponseCode(ev.Status),
			Message: ev.Message,
		})
	})
	a.listeners = append(a.listeners, func() { deviceAction.RemoveListener(id) })

	customAction := a.data.CustomAction()
	cid := customAction.AddListener(func(ev action.CustomEvent) {
		a.emit(event.EventActionStatus, ActionStatus{
			Action:   "custom",
			BundleID: ev.BundleID,
			ActionID: ev.ActionID,
			ReqID:    ev.ReqID,
			RC:       dm.ResponseCode(ev.Status),
			Message:  ev.Message,
		})
	})
	a.listeners = append(a.listeners, func() { customAction.RemoveListener(cid) })

	fw := a.data.Firmware()
	fid := fw.AddListener(func(ev action.FirmwareEvent) {
		a.emit(event.EventFirmwareState, ev)
	})
	a.listeners = append(a.listeners, func() { fw.RemoveListener(fid) })
}

func (a *ManagedAgent) emit(t event.EventType, data interface{}) {
	a.bus.PublishAsync(event.NewEvent(t, a.data.TypeID(), a.data.DeviceID(), data))
}

func (a *ManagedAgent) report(err error) {
	select {
	case a.errs <- err:
	default:
		a.logger.Debugf("Error channel full, dropping: %v", err)
	}
}

// Close stops the agent without unmanaging it. Queued requests are
// dispatched and background work gets until the shutdown timeout to publish
// its final status.
func (a *ManagedAgent) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close()
	})
	return a.closeErr
}

func (a *ManagedAgent) close() error {
	a.logger.Info("Closing agent")
	a.closing.Store(true)

	a.mu.Lock()
	l := a.lease
	a.lease = nil
	managed := a.state == StateManaged
	a.state = StateUnmanaged
	a.mu.Unlock()

	if l != nil {
		l.cancel()
	}
	if managed {
		a.unsubscribeHandlers()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown())
	defer cancel()

	var errs []error
	close(a.drainIn)
	select {
	case <-a.inDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("mailbox drain: %w", ctx.Err()))
	}

	a.goMu.Lock()
	a.stopped = true
	a.goMu.Unlock()
	a.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := wait(gctx, &a.workers); err != nil {
			return fmt.Errorf("background work: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := wait(gctx, &a.renewals); err != nil {
			return fmt.Errorf("lease renewal: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	a.handlers.Release()

	close(a.drainOut)
	select {
	case <-a.outDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("outbox drain: %w", ctx.Err()))
	}

	a.routeMu.Lock()
	if a.responseRouted {
		if err := a.transport.Unsubscribe(a.topics.ServerResponse); err != nil {
			a.logger.Warnf("Failed to unsubscribe response topic: %v", err)
		}
		a.responseRouted = false
	}
	a.routeMu.Unlock()

	for _, remove := range a.listeners {
		remove()
	}
	if a.ownsBus {
		if err := a.bus.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		a.logger.Warnf("Agent closed with pending work: %v", err)
		return fmt.Errorf("failed to close agent: %w", err)
	}
	a.logger.Info("Agent closed")
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
