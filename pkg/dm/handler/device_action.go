package handler

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
)

// DeviceActionRequestHandler serves the reboot and factory reset topics.
// The request is accepted immediately; the device handler runs on a worker
// and its SetStatus call is published as a follow-up response.
type DeviceActionRequestHandler struct {
	client Client
	kind   action.Kind
	topic  string
}

func NewDeviceActionRequestHandler(client Client, kind action.Kind, topic string) *DeviceActionRequestHandler {
	return &DeviceActionRequestHandler{client: client, kind: kind, topic: topic}
}

func (h *DeviceActionRequestHandler) Topic() string {
	return h.topic
}

func (h *DeviceActionRequestHandler) HandleRequest(topic string, payload []byte) {
	req := parse(h.client, topic, payload)
	if req == nil {
		return
	}
	log := h.client.Logger().WithFields(logrus.Fields{"reqId": req.ReqID, "action": h.kind})

	device := h.client.DeviceActionHandler()
	if device == nil {
		log.Info("No device action handler registered")
		respond(h.client, req.ReqID, dm.CodeNotImplemented, "", nil)
		return
	}

	a := h.client.DeviceData().DeviceAction()
	if err := a.Start(h.kind, req.ReqID); err != nil {
		if errors.Is(err, action.ErrInProgress) {
			log.Warnf("Rejecting request, %s still running", a.Kind())
			respond(h.client, req.ReqID, dm.CodeBadRequest, "another device action is in progress", nil)
			return
		}
		respond(h.client, req.ReqID, dm.CodeInternalError, err.Error(), nil)
		return
	}

	respond(h.client, req.ReqID, dm.CodeAccepted, "", nil)

	kind := h.kind
	h.client.Go(func(ctx context.Context) {
		err := guard(func() {
			if kind == action.FactoryReset {
				device.HandleFactoryReset(ctx, a)
			} else {
				device.HandleReboot(ctx, a)
			}
		})
		if err != nil {
			log.Errorf("Device action failed: %v", err)
			a.SetStatus(action.StatusFailed, err.Error())
		}
	})
}
