package handler

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

type watch struct {
	node   *resource.Node
	handle resource.Handle
}

type observation struct {
	node    *resource.Node
	watches []watch
	last    interface{}
}

func (o *observation) stop() {
	for _, w := range o.watches {
		w.node.RemoveObserver(w.handle)
	}
	o.watches = nil
}

// ObserveHandler serves iotdm-1/observe. An observed path is notified when
// an internal change fires on it, on one of its descendants or on one of
// its composite ancestors, so a leaf written through its parent still
// reaches the server.
type ObserveHandler struct {
	client Client

	mu       sync.Mutex
	observed map[string]*observation
}

func NewObserveHandler(client Client) *ObserveHandler {
	return &ObserveHandler{
		client:   client,
		observed: make(map[string]*observation),
	}
}

func (h *ObserveHandler) Topic() string {
	return h.client.Topics().Observe
}

func (h *ObserveHandler) HandleRequest(topic string, payload []byte) {
	req := parse(h.client, topic, payload)
	if req == nil {
		return
	}
	fields := req.Fields()
	if len(fields) == 0 {
		respond(h.client, req.ReqID, dm.CodeBadRequest, errNoFields.Error(), nil)
		return
	}

	rc := dm.CodeSuccess
	message := ""
	out := make([]dm.Field, 0, len(fields))
	for _, f := range fields {
		node := h.client.DeviceData().Resource(f.Field)
		if node == nil {
			rc = dm.CodeNotFound
			message = "unknown resource " + f.Field
			out = append(out, dm.Field{Field: f.Field})
			continue
		}
		value := h.observe(f.Field, node)
		data, err := json.Marshal(value)
		if err != nil {
			h.client.Logger().WithField("path", f.Field).Errorf("Failed to encode value: %v", err)
			out = append(out, dm.Field{Field: f.Field})
			continue
		}
		out = append(out, dm.Field{Field: f.Field, Value: data})
	}

	respond(h.client, req.ReqID, rc, message, dm.FieldsData{Fields: out})
}

// observe registers path and returns its current wire value.
func (h *ObserveHandler) observe(path string, node *resource.Node) interface{} {
	value := node.WireValue()

	h.mu.Lock()
	defer h.mu.Unlock()
	if obs, ok := h.observed[path]; ok {
		obs.last = value
		return value
	}
	obs := &observation{node: node, last: value}
	fn := func(resource.ChangeEvent) { h.changed(path) }
	add := func(n *resource.Node) {
		obs.watches = append(obs.watches, watch{node: n, handle: n.AddObserver(resource.Internal, fn)})
	}
	node.Walk(add)
	for p := node.Parent(); p != nil && !p.IsRoot(); p = p.Parent() {
		add(p)
	}
	h.observed[path] = obs
	h.client.Logger().WithField("path", path).Debug("Observing resource")
	return value
}

// changed compares the current value of path with the last one sent and
// notifies the difference.
func (h *ObserveHandler) changed(path string) {
	h.mu.Lock()
	obs, ok := h.observed[path]
	if !ok {
		h.mu.Unlock()
		return
	}
	value := obs.node.WireValue()
	delta, changed := trim(obs.last, value)
	if changed {
		obs.last = value
	}
	h.mu.Unlock()
	if !changed {
		return
	}

	data, err := json.Marshal(delta)
	if err != nil {
		h.client.Logger().WithField("path", path).Errorf("Failed to encode notification: %v", err)
		return
	}
	if err := h.client.Notify([]dm.Field{{Field: path, Value: data}}); err != nil {
		h.client.Logger().WithField("path", path).Errorf("Failed to notify change: %v", err)
	}
}

// trim returns the part of next that differs from prev. Scalars are sent
// whole; for objects only the keys whose value changed are kept.
func trim(prev, next interface{}) (interface{}, bool) {
	prevMap, ok1 := prev.(map[string]interface{})
	nextMap, ok2 := next.(map[string]interface{})
	if !ok1 || !ok2 {
		if reflect.DeepEqual(prev, next) {
			return nil, false
		}
		return next, true
	}

	delta := make(map[string]interface{})
	for k, v := range nextMap {
		if old, ok := prevMap[k]; !ok || !reflect.DeepEqual(old, v) {
			delta[k] = v
		}
	}
	if len(delta) == 0 {
		return nil, false
	}
	return delta, true
}

// Cancel stops observing the given paths. Unknown paths are ignored.
func (h *ObserveHandler) Cancel(paths []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range paths {
		obs, ok := h.observed[p]
		if !ok {
			continue
		}
		obs.stop()
		delete(h.observed, p)
		h.client.Logger().WithField("path", p).Debug("Cancelled observation")
	}
}

// CancelAll stops every observation.
func (h *ObserveHandler) CancelAll() {
	h.mu.Lock()
	paths := make([]string, 0, len(h.observed))
	for p := range h.observed {
		paths = append(paths, p)
	}
	h.mu.Unlock()
	h.Cancel(paths)
}

// Sync notifies every observed path whose value differs from the last one
// sent. Used after writes made without fireEvent.
func (h *ObserveHandler) Sync() {
	h.mu.Lock()
	paths := make([]string, 0, len(h.observed))
	for p := range h.observed {
		paths = append(paths, p)
	}
	h.mu.Unlock()
	for _, p := range paths {
		h.changed(p)
	}
}

// IsObserved reports whether the server currently observes path.
func (h *ObserveHandler) IsObserved(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.observed[path]
	return ok
}

// Observed returns the number of observed paths.
func (h *ObserveHandler) Observed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observed)
}

// CancelHandler serves iotdm-1/cancel. Cancelling a path that is not
// observed is not an error.
type CancelHandler struct {
	client  Client
	observe *ObserveHandler
}

func NewCancelHandler(client Client, observe *ObserveHandler) *CancelHandler {
	return &CancelHandler{client: client, observe: observe}
}

func (h *CancelHandler) Topic() string {
	return h.client.Topics().Cancel
}

func (h *CancelHandler) HandleRequest(topic string, payload []byte) {
	req := parse(h.client, topic, payload)
	if req == nil {
		return
	}
	paths := make([]string, 0)
	for _, f := range req.Fields() {
		paths = append(paths, f.Field)
	}
	h.observe.Cancel(paths)
	respond(h.client, req.ReqID, dm.CodeSuccess, "", nil)
}
