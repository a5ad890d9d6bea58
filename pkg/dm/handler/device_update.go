package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

// DeviceUpdateHandler serves iotdm-1/device/update. Every field is validated
// before any node is written; values are applied without firing internal
// observers, and external observers are told once the response is queued.
type DeviceUpdateHandler struct {
	client Client
}

func NewDeviceUpdateHandler(client Client) *DeviceUpdateHandler {
	return &DeviceUpdateHandler{client: client}
}

func (h *DeviceUpdateHandler) Topic() string {
	return h.client.Topics().DeviceUpdate
}

type pendingWrite struct {
	node  *resource.Node
	value interface{}
}

func (h *DeviceUpdateHandler) HandleRequest(topic string, payload []byte) {
	req := parse(h.client, topic, payload)
	if req == nil {
		return
	}
	fields := req.Fields()
	if len(fields) == 0 {
		respond(h.client, req.ReqID, dm.CodeBadRequest, errNoFields.Error(), nil)
		return
	}

	var (
		writes   []pendingWrite
		updated  []*resource.Node
		notFound []dm.Field
		invalid  error
	)
	for _, f := range fields {
		node := h.client.DeviceData().Resource(f.Field)
		if node == nil {
			notFound = append(notFound, dm.Field{Field: f.Field})
			continue
		}
		w, err := h.prepare(node, f.Value)
		if err != nil {
			if invalid == nil {
				invalid = fmt.Errorf("%s: %w", f.Field, err)
			}
			continue
		}
		writes = append(writes, w...)
		updated = append(updated, node)
	}

	if len(notFound) > 0 {
		respond(h.client, req.ReqID, dm.CodeNotFound, "", dm.FieldsData{Fields: notFound})
		return
	}
	if invalid != nil {
		h.client.Logger().WithField("reqId", req.ReqID).Warnf("Rejecting device update: %v", invalid)
		respond(h.client, req.ReqID, dm.CodeBadRequest, invalid.Error(), nil)
		return
	}

	for _, w := range writes {
		// values were validated by prepare, SetValue cannot fail here
		_ = w.node.SetValue(w.value, false)
	}
	respond(h.client, req.ReqID, dm.CodeChanged, "", nil)

	h.client.Go(func(ctx context.Context) {
		for _, n := range updated {
			n.Walk(func(c *resource.Node) { c.Fire(resource.External) })
		}
	})
}

// prepare decodes the value for node. A composite accepts an object whose
// keys name its children.
func (h *DeviceUpdateHandler) prepare(node *resource.Node, raw json.RawMessage) ([]pendingWrite, error) {
	if node.Kind() != resource.KindComposite {
		v, err := node.Decode(raw)
		if err != nil {
			return nil, err
		}
		return []pendingWrite{{node: node, value: v}}, nil
	}

	if !isObject(raw) {
		return nil, resource.ErrUnsupportedOnComposite
	}
	var parts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrInvalidValue, err)
	}
	var writes []pendingWrite
	for key, value := range parts {
		child := node.Child(key)
		if child == nil {
			return nil, fmt.Errorf("%w: unknown field %q", resource.ErrInvalidValue, key)
		}
		w, err := h.prepare(child, value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		writes = append(writes, w...)
	}
	return writes, nil
}
