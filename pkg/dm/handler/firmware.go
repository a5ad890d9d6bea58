package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
)

type firmwareOp int

const (
	firmwareDownload firmwareOp = iota
	firmwareUpdate
)

func (op firmwareOp) String() string {
	if op == firmwareUpdate {
		return "firmware update"
	}
	return "firmware download"
}

const firmwarePath = devicedata.MgmtResource + "." + action.FirmwareResource

// FirmwareRequestHandler serves the firmware download and update topics.
type FirmwareRequestHandler struct {
	client Client
	op     firmwareOp
	topic  string
}

func NewFirmwareRequestHandler(client Client, op firmwareOp, topic string) *FirmwareRequestHandler {
	return &FirmwareRequestHandler{client: client, op: op, topic: topic}
}

func (h *FirmwareRequestHandler) Topic() string {
	return h.topic
}

func (h *FirmwareRequestHandler) HandleRequest(topic string, payload []byte) {
	req := parse(h.client, topic, payload)
	if req == nil {
		return
	}
	log := h.client.Logger().WithFields(logrus.Fields{"reqId": req.ReqID, "op": h.op.String()})

	device := h.client.FirmwareHandler()
	if device == nil {
		log.Info("No firmware handler registered")
		respond(h.client, req.ReqID, dm.CodeNotImplemented, "", nil)
		return
	}

	fw := h.client.DeviceData().Firmware()
	requested, err := descriptorFrom(req.Fields())
	if err != nil {
		respond(h.client, req.ReqID, dm.CodeBadRequest, err.Error(), nil)
		return
	}

	if h.busy(fw.State()) {
		log.Warnf("Rejecting request, firmware is %s", fw.State())
		respond(h.client, req.ReqID, dm.CodeBadRequest, "firmware is "+fw.State().String(), nil)
		return
	}
	if requested.URL == "" && fw.URL() == "" {
		log.Warn("No firmware URL in request")
		respond(h.client, req.ReqID, dm.CodeBadRequest, "the value of the firmware URL is not set", nil)
		return
	}

	fw.SetDescriptor(requested)
	begin := fw.BeginDownload
	if h.op == firmwareUpdate {
		begin = fw.BeginUpdate
	}
	if err := begin(); err != nil {
		code := dm.CodeInternalError
		if errors.Is(err, action.ErrInProgress) {
			code = dm.CodeBadRequest
		}
		respond(h.client, req.ReqID, code, err.Error(), nil)
		return
	}

	respond(h.client, req.ReqID, dm.CodeAccepted, "", nil)

	op := h.op
	h.client.Go(func(ctx context.Context) {
		err := guard(func() {
			if op == firmwareUpdate {
				device.UpdateFirmware(ctx, fw)
			} else {
				device.DownloadFirmware(ctx, fw)
			}
		})
		if err != nil {
			log.Errorf("Firmware handler failed: %v", err)
			fw.Complete(action.StateIdle, action.UpdateUnsupportedImage)
		}
	})
}

// busy reports whether the current state forbids starting the operation.
// Downloads require IDLE; updates only refuse to overlap another transition.
func (h *FirmwareRequestHandler) busy(state action.FirmwareState) bool {
	if h.op == firmwareDownload {
		return state != action.StateIdle
	}
	return state == action.StateDownloading || state == action.StateUpdating
}

// descriptorFrom collects the firmware descriptor from request fields. The
// fields may name the whole "mgmt.firmware" object or single attributes,
// with or without the "mgmt.firmware." prefix.
func descriptorFrom(fields []dm.Field) (action.Descriptor, error) {
	var d action.Descriptor
	for _, f := range fields {
		name := strings.TrimPrefix(f.Field, firmwarePath+".")
		if name == firmwarePath || name == action.FirmwareResource {
			var obj action.Descriptor
			if err := json.Unmarshal(f.Value, &obj); err != nil {
				return d, errors.New("invalid firmware descriptor: " + err.Error())
			}
			merge(&d, obj)
			continue
		}

		var target *string
		switch name {
		case action.FieldName:
			target = &d.Name
		case action.FieldVersion:
			target = &d.Version
		case action.FieldURI, "url":
			target = &d.URL
		case action.FieldVerifier:
			target = &d.Verifier
		default:
			continue
		}
		if len(f.Value) == 0 {
			continue
		}
		if err := json.Unmarshal(f.Value, target); err != nil {
			return d, errors.New("invalid value for " + f.Field)
		}
	}
	return d, nil
}

func merge(dst *action.Descriptor, src action.Descriptor) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Version != "" {
		dst.Version = src.Version
	}
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.Verifier != "" {
		dst.Verifier = src.Verifier
	}
}
