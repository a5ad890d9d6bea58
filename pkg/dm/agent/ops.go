package agent

import (
	"context"
	"time"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
	"github.com/iotdm-go-sdk/pkg/event"
)

func (a *ManagedAgent) requireManaged() error {
	if a.closing.Load() {
		return dm.ErrClosed
	}
	if !a.IsManaged() {
		return dm.ErrNotManaged
	}
	return nil
}

// UpdateLocation stores loc and reports it to the server. The external
// observers of the location resource fire once the server accepts it.
func (a *ManagedAgent) UpdateLocation(ctx context.Context, loc devicedata.Location) (dm.ResponseCode, error) {
	if err := a.requireManaged(); err != nil {
		return 0, err
	}
	a.data.SetLocation(loc, false)
	if loc.MeasuredDateTime.IsZero() {
		loc.MeasuredDateTime = a.data.Location().MeasuredDateTime
	}
	return a.deviceRequest(ctx, slotLocation, "update location", a.topics.UpdateLocation, loc, a.data.LocationNode(), nil)
}

// AddErrorCode records code and reports it to the server.
func (a *ManagedAgent) AddErrorCode(ctx context.Context, code int) (dm.ResponseCode, error) {
	if err := a.requireManaged(); err != nil {
		return 0, err
	}
	a.data.AppendErrorCode(code, false)
	return a.deviceRequest(ctx, slotErrorCodes, "add error code", a.topics.AddErrorCodes,
		devicedata.ErrorCode{ErrorCode: code}, a.data.ErrorCodesNode(), nil)
}

// ClearErrorCodes asks the server to drop every reported error code.
func (a *ManagedAgent) ClearErrorCodes(ctx context.Context) (dm.ResponseCode, error) {
	if err := a.requireManaged(); err != nil {
		return 0, err
	}
	node := a.data.ErrorCodesNode()
	return a.deviceRequest(ctx, slotErrorCodes, "clear error codes", a.topics.ClearErrorCodes, nil, node, func() {
		_ = node.SetValue(0, false)
	})
}

// AddLog records entry and reports it to the server. A zero timestamp is
// replaced by the current time.
func (a *ManagedAgent) AddLog(ctx context.Context, entry devicedata.LogEntry) (dm.ResponseCode, error) {
	if err := a.requireManaged(); err != nil {
		return 0, err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	a.data.AppendLog(entry, false)
	return a.deviceRequest(ctx, slotLog, "add log", a.topics.AddLog, entry, a.data.LogNode(), nil)
}

// ClearLogs asks the server to drop every reported log entry.
func (a *ManagedAgent) ClearLogs(ctx context.Context) (dm.ResponseCode, error) {
	if err := a.requireManaged(); err != nil {
		return 0, err
	}
	node := a.data.LogNode()
	return a.deviceRequest(ctx, slotLog, "clear logs", a.topics.ClearLog, nil, node, func() {
		_ = node.SetValue(nil, false)
	})
}

// deviceRequest sends a device-initiated change and confirms node when the
// server accepts it. applied runs before the external observers fire. The
// local write made by the caller is pushed to observed paths first.
func (a *ManagedAgent) deviceRequest(ctx context.Context, slot, op, t string, d interface{}, node *resource.Node, applied func()) (dm.ResponseCode, error) {
	a.handlers.Observe.Sync()
	resp, err := a.request(ctx, slot, op, t, d)
	if err != nil {
		return 0, err
	}
	if !resp.RC.IsSuccess() {
		node.SetLastResponseCode(resp.RC)
		return resp.RC, &dm.ResponseError{Op: op, RC: resp.RC, Message: resp.Message}
	}
	if applied != nil {
		applied()
		a.handlers.Observe.Sync()
	}
	a.confirm(node, resp.RC)
	return resp.RC, nil
}

// confirm records rc and fires the external observers of node and its
// descendants.
func (a *ManagedAgent) confirm(node *resource.Node, rc dm.ResponseCode) {
	node.SetLastResponseCode(rc)
	node.Walk(func(n *resource.Node) {
		n.Fire(resource.External)
	})
	a.emit(event.EventResourceUpdated, ResourceUpdate{Path: node.Path(), RC: rc})
}

// installObservers publishes location, error code and log changes made
// through the resource tree with fireEvent set.
func (a *ManagedAgent) installObservers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.observers) > 0 {
		return
	}

	watch := func(node *resource.Node, op, t string, body func() (interface{}, bool)) {
		h := node.AddObserver(resource.Internal, func(resource.ChangeEvent) {
			d, ok := body()
			if !ok {
				return
			}
			a.publishChange(op, t, d, node)
		})
		a.observers = append(a.observers, binding{node: node, handle: h})
	}

	watch(a.data.LocationNode(), "update location", a.topics.UpdateLocation, func() (interface{}, bool) {
		return a.data.Location(), true
	})
	watch(a.data.ErrorCodesNode(), "add error code", a.topics.AddErrorCodes, func() (interface{}, bool) {
		return devicedata.ErrorCode{ErrorCode: a.data.LastErrorCode()}, true
	})
	watch(a.data.LogNode(), "add log", a.topics.AddLog, func() (interface{}, bool) {
		entry, ok := a.data.LastLog()
		return entry, ok
	})
}

func (a *ManagedAgent) removeObservers() {
	a.mu.Lock()
	observers := a.observers
	a.observers = nil
	a.mu.Unlock()

	for _, b := range observers {
		b.node.RemoveObserver(b.handle)
	}
}

func (a *ManagedAgent) subscribeHandlers() error {
	if err := a.handlers.Subscribe(intake{a}); err != nil {
		return err
	}
	a.installObservers()
	return nil
}

func (a *ManagedAgent) unsubscribeHandlers() {
	a.removeObservers()
	a.handlers.Unsubscribe(intake{a})
}

// publishChange sends a change without blocking the caller. The answer is
// awaited in the background.
func (a *ManagedAgent) publishChange(op, t string, d interface{}, node *resource.Node) {
	log := a.logger.WithField("topic", t)
	w, done, err := a.send("", t, d)
	if err != nil {
		log.Warnf("Failed to send %s: %v", op, err)
		return
	}

	ok := a.spawn(func(ctx context.Context) {
		defer a.pending.remove(w)
		resp, err := a.await(ctx, op, w, done)
		if err != nil {
			log.Warnf("%s: %v", op, err)
			return
		}
		if !resp.RC.IsSuccess() {
			node.SetLastResponseCode(resp.RC)
			log.Warnf("%s rejected with %s", op, resp.RC)
			return
		}
		a.confirm(node, resp.RC)
	})
	if !ok {
		a.pending.remove(w)
	}
}
