// Package handler implements the handlers for server-initiated device
// management requests. Each handler owns one topic, decodes the inbound
// request, drives the resource tree or an action state machine, and always
// acknowledges the request with the matching reqId.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/dm/topic"
)

// DeviceActionHandler executes reboot and factory reset requests. It must
// report the outcome with a.SetStatus.
type DeviceActionHandler interface {
	HandleReboot(ctx context.Context, a *action.DeviceAction)
	HandleFactoryReset(ctx context.Context, a *action.DeviceAction)
}

// FirmwareHandler downloads and applies firmware. It reports progress with
// fw.SetState, fw.SetUpdateStatus or fw.Complete.
type FirmwareHandler interface {
	DownloadFirmware(ctx context.Context, fw *action.Firmware)
	UpdateFirmware(ctx context.Context, fw *action.Firmware)
}

// CustomActionHandler executes device management extension actions. It must
// report the outcome with a.SetStatus.
type CustomActionHandler interface {
	HandleCustomAction(ctx context.Context, a *action.CustomAction)
}

// Client is the view of a managed client the handlers work against.
type Client interface {
	Topics() topic.Topics
	DeviceData() *devicedata.DeviceData
	Logger() logrus.FieldLogger

	// Respond queues a publish of resp on the device response topic.
	Respond(resp dm.Response) error
	// Notify queues a publish of the observed fields on the notify topic.
	Notify(fields []dm.Field) error
	// Resolve hands a server response to the request waiting for it.
	Resolve(resp *dm.Response) bool
	// Go runs long work outside the inbound delivery path.
	Go(fn func(ctx context.Context))

	DeviceActionHandler() DeviceActionHandler
	FirmwareHandler() FirmwareHandler
	CustomActionHandler() CustomActionHandler
}

// RequestHandler processes the messages of one topic.
type RequestHandler interface {
	Topic() string
	HandleRequest(topic string, payload []byte)
}

// Intake connects handlers to the transport. Messages received on a routed
// topic are delivered to the handler's HandleRequest.
type Intake interface {
	Route(topic string, h RequestHandler) error
	Unroute(topic string) error
}

// Set is the full handler family of one managed client.
type Set struct {
	client Client

	Response         *ResponseHandler
	Observe          *ObserveHandler
	Cancel           *CancelHandler
	Reboot           *DeviceActionRequestHandler
	FactoryReset     *DeviceActionRequestHandler
	FirmwareDownload *FirmwareRequestHandler
	FirmwareUpdate   *FirmwareRequestHandler
	DeviceUpdate     *DeviceUpdateHandler
	Custom           *CustomRequestHandler

	actionListener action.ListenerID
	customListener action.ListenerID
	subscribed     []string
}

// NewSet builds every handler for client.
func NewSet(client Client) *Set {
	t := client.Topics()
	observe := NewObserveHandler(client)
	return &Set{
		client:           client,
		Response:         NewResponseHandler(client),
		Observe:          observe,
		Cancel:           NewCancelHandler(client, observe),
		Reboot:           NewDeviceActionRequestHandler(client, action.Reboot, t.InitiateReboot),
		FactoryReset:     NewDeviceActionRequestHandler(client, action.FactoryReset, t.InitiateFactoryReset),
		FirmwareDownload: NewFirmwareRequestHandler(client, firmwareDownload, t.InitiateFirmwareDownload),
		FirmwareUpdate:   NewFirmwareRequestHandler(client, firmwareUpdate, t.InitiateFirmwareUpdate),
		DeviceUpdate:     NewDeviceUpdateHandler(client),
		Custom:           NewCustomRequestHandler(client),
	}
}

// Handlers lists the handlers in subscription order.
func (s *Set) Handlers() []RequestHandler {
	return []RequestHandler{
		s.Response, s.Observe, s.Cancel, s.Reboot, s.FactoryReset,
		s.FirmwareDownload, s.FirmwareUpdate, s.DeviceUpdate, s.Custom,
	}
}

// Subscribe routes every request topic except the response topic, which the
// agent subscribes before its first manage request, and starts forwarding
// action status changes to the server. Forwarding continues until Release.
func (s *Set) Subscribe(in Intake) error {
	for _, h := range s.Handlers() {
		if h == RequestHandler(s.Response) {
			continue
		}
		if err := in.Route(h.Topic(), h); err != nil {
			s.Unsubscribe(in)
			return fmt.Errorf("failed to subscribe to %s: %w", h.Topic(), err)
		}
		s.subscribed = append(s.subscribed, h.Topic())
	}

	s.attach()
	return nil
}

func (s *Set) attach() {
	if s.actionListener != 0 {
		return
	}
	data := s.client.DeviceData()
	s.actionListener = data.DeviceAction().AddListener(func(ev action.Event) {
		if ev.Type != action.EventStatusChanged {
			return
		}
		s.respond(dm.Response{ReqID: ev.ReqID, RC: dm.ResponseCode(ev.Status), Message: ev.Message})
	})
	s.customListener = data.CustomAction().AddListener(func(ev action.CustomEvent) {
		s.respond(ev.Response())
	})
}

// Unsubscribe drops every route created by Subscribe and cancels all
// observations. Status changes of actions already running are still sent.
func (s *Set) Unsubscribe(in Intake) {
	for _, t := range s.subscribed {
		if err := in.Unroute(t); err != nil {
			s.client.Logger().WithField("topic", t).Warnf("Failed to unsubscribe: %v", err)
		}
	}
	s.subscribed = nil
	s.Observe.CancelAll()
}

// Release stops forwarding action status changes.
func (s *Set) Release() {
	data := s.client.DeviceData()
	if s.actionListener != 0 {
		data.DeviceAction().RemoveListener(s.actionListener)
		s.actionListener = 0
	}
	if s.customListener != 0 {
		data.CustomAction().RemoveListener(s.customListener)
		s.customListener = 0
	}
}

func (s *Set) respond(resp dm.Response) {
	if err := s.client.Respond(resp); err != nil {
		s.client.Logger().WithField("reqId", resp.ReqID).Errorf("Failed to publish action status: %v", err)
	}
}

// respond acknowledges a request and logs publish failures.
func respond(c Client, reqID string, rc dm.ResponseCode, message string, d interface{}) {
	log := c.Logger().WithFields(logrus.Fields{"reqId": reqID, "rc": int(rc)})
	resp, err := dm.NewResponse(reqID, rc, message, d)
	if err != nil {
		log.Errorf("Failed to build response: %v", err)
		resp = &dm.Response{ReqID: reqID, RC: dm.CodeInternalError, Message: err.Error()}
	}
	if err := c.Respond(*resp); err != nil {
		log.Errorf("Failed to send response: %v", err)
		return
	}
	log.Debug("Sent response")
}

// parse decodes a request, acknowledging malformed ones with 400. It returns
// nil when the request was already answered.
func parse(c Client, topic string, payload []byte) *dm.Request {
	req, err := dm.ParseRequest(payload)
	if err != nil {
		c.Logger().WithField("topic", topic).Warnf("Malformed request: %v", err)
		if req != nil && req.ReqID != "" {
			respond(c, req.ReqID, dm.CodeBadRequest, err.Error(), nil)
		}
		return nil
	}
	return req
}

// guard runs a device callback, turning a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	fn()
	return nil
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		}
		return false
	}
	return false
}

var errNoFields = errors.New("request carries no fields")
