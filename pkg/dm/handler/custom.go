package handler

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/topic"
)

// CustomRequestHandler serves iotdm-1/mgmt/custom/{bundleId}/{actionId}.
// There is no immediate acknowledgement: the status set by the device
// handler is the response.
type CustomRequestHandler struct {
	client Client
}

func NewCustomRequestHandler(client Client) *CustomRequestHandler {
	return &CustomRequestHandler{client: client}
}

func (h *CustomRequestHandler) Topic() string {
	return h.client.Topics().InitiateCustomAction
}

func (h *CustomRequestHandler) HandleRequest(t string, payload []byte) {
	req := parse(h.client, t, payload)
	if req == nil {
		return
	}
	bundleID, actionID, ok := topic.ParseCustomAction(t)
	if !ok {
		respond(h.client, req.ReqID, dm.CodeBadRequest, "invalid custom action topic", nil)
		return
	}
	log := h.client.Logger().WithFields(logrus.Fields{
		"reqId":    req.ReqID,
		"bundleId": bundleID,
		"actionId": actionID,
	})

	device := h.client.CustomActionHandler()
	if device == nil {
		log.Info("No custom action handler registered")
		respond(h.client, req.ReqID, dm.CodeNotImplemented, "", nil)
		return
	}

	a := h.client.DeviceData().CustomAction()
	if err := a.Start(bundleID, actionID, req.ReqID, payload); err != nil {
		if errors.Is(err, action.ErrInProgress) {
			log.Warn("Rejecting custom action, previous one still running")
			respond(h.client, req.ReqID, dm.CodeBadRequest, "another custom action is in progress", nil)
			return
		}
		respond(h.client, req.ReqID, dm.CodeInternalError, err.Error(), nil)
		return
	}

	h.client.Go(func(ctx context.Context) {
		if err := guard(func() { device.HandleCustomAction(ctx, a) }); err != nil {
			log.Errorf("Custom action failed: %v", err)
			a.SetStatus(action.CustomFailed, err.Error())
		}
	})
}
