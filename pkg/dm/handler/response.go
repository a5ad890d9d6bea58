package handler

import (
	"encoding/json"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// ResponseHandler serves iotdm-1/response: the server's answers to manage,
// unmanage, location and diagnostic requests. Each answer is handed to the
// waiter registered under its reqId.
type ResponseHandler struct {
	client Client
}

func NewResponseHandler(client Client) *ResponseHandler {
	return &ResponseHandler{client: client}
}

func (h *ResponseHandler) Topic() string {
	return h.client.Topics().ServerResponse
}

func (h *ResponseHandler) HandleRequest(topic string, payload []byte) {
	var resp dm.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		h.client.Logger().WithField("topic", topic).Warnf("Failed to decode response: %v", err)
		return
	}
	if !h.client.Resolve(&resp) {
		h.client.Logger().WithField("reqId", resp.ReqID).Debug("No pending request for response")
	}
}
