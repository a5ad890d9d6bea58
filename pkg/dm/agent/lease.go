package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/event"
)

// lease holds the parameters of one successful manage request. Renewals
// resend the same parameters.
type lease struct {
	lifetime        time.Duration
	deviceActions   bool
	firmwareActions bool
	bundleIDs       []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	expires time.Time
}

func newLease(lifetime time.Duration, deviceActions, firmwareActions bool, bundleIDs []string) *lease {
	ctx, cancel := context.WithCancel(context.Background())
	return &lease{
		lifetime:        lifetime,
		deviceActions:   deviceActions,
		firmwareActions: firmwareActions,
		bundleIDs:       bundleIDs,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

func (l *lease) extend(lifetime time.Duration) {
	if lifetime <= 0 {
		return
	}
	l.mu.Lock()
	l.expires = time.Now().Add(lifetime)
	l.mu.Unlock()
}

// remaining is the lifetime to request when manage is resent before the
// lease expired. It never drops below one second.
func (l *lease) remaining() time.Duration {
	if l.lifetime <= 0 {
		return 0
	}
	l.mu.Lock()
	left := time.Until(l.expires)
	l.mu.Unlock()
	if left < time.Second {
		left = time.Second
	}
	return left
}

// stop cancels renewal and waits for the renewal loop to exit.
func (l *lease) stop() {
	l.cancel()
	<-l.done
}

// renewalDelay renews at three quarters of the lifetime.
func renewalDelay(lifetime time.Duration) time.Duration {
	return lifetime * 3 / 4
}

type managePayload struct {
	Lifetime   int64                  `json:"lifetime,omitempty"`
	Supports   map[string]bool        `json:"supports"`
	DeviceInfo *devicedata.DeviceInfo `json:"deviceInfo,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (a *ManagedAgent) managePayload(l *lease, lifetime time.Duration) managePayload {
	supports := map[string]bool{
		"deviceActions":   l.deviceActions,
		"firmwareActions": l.firmwareActions,
	}
	for _, id := range l.bundleIDs {
		supports[id] = true
	}

	p := managePayload{Supports: supports, Metadata: a.data.Metadata()}
	if info := a.data.DeviceInfo(); info != (devicedata.DeviceInfo{}) {
		p.DeviceInfo = &info
	}
	if lifetime > 0 {
		p.Lifetime = max(int64(lifetime/time.Second), 1)
	}
	return p
}

// Manage registers the device with the server and blocks until the server
// answers or the response timeout elapses. A positive lifetime is renewed
// automatically at three quarters of its length; zero requests a lease that
// never expires. Calling Manage while managed replaces the lease.
func (a *ManagedAgent) Manage(ctx context.Context, lifetime time.Duration, supportsDeviceActions, supportsFirmwareActions bool, bundleIDs ...string) error {
	if lifetime < 0 {
		return fmt.Errorf("invalid lease lifetime %v", lifetime)
	}
	if a.closing.Load() {
		return dm.ErrClosed
	}

	a.mu.Lock()
	prev := a.state
	if prev == StateManaging || prev == StateUnmanaging {
		a.mu.Unlock()
		return fmt.Errorf("%w: device is %s", dm.ErrRequestPending, prev)
	}
	a.state = StateManaging
	a.mu.Unlock()

	log := a.logger.WithField("lifetime", lifetime)
	log.Info("Sending manage request")

	l := newLease(lifetime, supportsDeviceActions, supportsFirmwareActions, bundleIDs)
	if err := a.sendManage(ctx, l, lifetime); err != nil {
		l.cancel()
		a.setState(prev)
		log.Warnf("Manage failed: %v", err)
		return err
	}

	if prev != StateManaged {
		if err := a.subscribeHandlers(); err != nil {
			l.cancel()
			a.setState(prev)
			log.Errorf("Failed to subscribe request handlers: %v", err)
			return err
		}
	}

	a.mu.Lock()
	old := a.lease
	a.lease = l
	a.state = StateManaged
	a.mu.Unlock()

	if old != nil {
		old.stop()
	}
	a.startRenewal(l)

	log.Info("Device managed")
	a.emit(event.EventManaged, LeaseStatus{Lifetime: lifetime})
	return nil
}

func (a *ManagedAgent) sendManage(ctx context.Context, l *lease, lifetime time.Duration) error {
	resp, err := a.request(ctx, slotLease, "manage", a.topics.Manage, a.managePayload(l, lifetime))
	if err != nil {
		return err
	}
	if !resp.RC.IsSuccess() {
		return &dm.ResponseError{Op: "manage", RC: resp.RC, Message: resp.Message}
	}
	l.extend(lifetime)
	return nil
}

// Unmanage asks the server to stop managing the device. Renewal stops and
// every request handler is unsubscribed whatever the server answers.
func (a *ManagedAgent) Unmanage(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateManaged:
	case StateManaging, StateUnmanaging:
		s := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: device is %s", dm.ErrRequestPending, s)
	default:
		a.mu.Unlock()
		return dm.ErrNotManaged
	}
	a.state = StateUnmanaging
	l := a.lease
	a.lease = nil
	a.mu.Unlock()

	if l != nil {
		l.stop()
	}
	a.unsubscribeHandlers()

	resp, err := a.request(ctx, slotLease, "unmanage", a.topics.Unmanage, nil)
	a.setState(StateUnmanaged)
	a.emit(event.EventUnmanaged, LeaseStatus{})

	if err != nil {
		a.logger.Warnf("Unmanage request failed: %v", err)
		return err
	}
	if !resp.RC.IsSuccess() {
		return &dm.ResponseError{Op: "unmanage", RC: resp.RC, Message: resp.Message}
	}
	a.logger.Info("Device unmanaged")
	return nil
}

func (a *ManagedAgent) startRenewal(l *lease) {
	if l.lifetime <= 0 {
		close(l.done)
		return
	}

	a.goMu.RLock()
	if a.stopped {
		a.goMu.RUnlock()
		close(l.done)
		return
	}
	a.renewals.Add(1)
	a.goMu.RUnlock()

	go a.renewLoop(l)
}

// renewLoop resends manage before the lease expires. Failed renewals are
// retried every RenewalRetryInterval; after MaxRenewalFailures consecutive
// failures the error is reported once and retrying continues.
func (a *ManagedAgent) renewLoop(l *lease) {
	defer a.renewals.Done()
	defer close(l.done)

	log := a.logger.WithField("lifetime", l.lifetime)
	failures := 0
	timer := time.NewTimer(renewalDelay(l.lifetime))
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		err := a.renew(l)
		if l.ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			log.Info("Lease renewed")
			a.emit(event.EventLeaseRenewed, LeaseStatus{Lifetime: l.lifetime})
			timer.Reset(renewalDelay(l.lifetime))
			continue
		}

		failures++
		log.WithField("failures", failures).Warnf("Lease renewal failed: %v", err)
		if failures == a.cfg.MaxRenewalFailures {
			err = fmt.Errorf("lease renewal failed %d times: %w", failures, err)
			log.Error(err)
			a.report(err)
			a.emit(event.EventLeaseFailed, LeaseStatus{Lifetime: l.lifetime, Failures: failures, Err: err})
		}
		timer.Reset(a.cfg.RenewalRetryInterval)
	}
}

func (a *ManagedAgent) renew(l *lease) error {
	if !a.transport.IsConnected() {
		return fmt.Errorf("%w: not connected", dm.ErrTransport)
	}
	return a.sendManage(l.ctx, l, l.lifetime)
}

// onConnect resends manage with the remaining lifetime after a reconnect.
func (a *ManagedAgent) onConnect(reconnect bool) {
	if !reconnect || a.closing.Load() {
		return
	}

	a.mu.Lock()
	l := a.lease
	managed := a.state == StateManaged
	a.mu.Unlock()
	if !managed || l == nil {
		return
	}

	remaining := l.remaining()
	log := a.logger.WithField("lifetime", remaining)
	log.Info("Reconnected, resending manage")
	a.Go(func(context.Context) {
		if err := a.sendManage(l.ctx, l, remaining); err != nil {
			log.Warnf("Manage after reconnect failed: %v", err)
			return
		}
		a.emit(event.EventLeaseRenewed, LeaseStatus{Lifetime: remaining})
	})
}
