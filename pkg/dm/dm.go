// Package dm holds the wire types shared by the device management protocol:
// response codes, request and response envelopes, and the sentinel errors
// returned by the agent.
package dm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ResponseCode is the rc value carried by every device management response.
type ResponseCode int

const (
	CodeSuccess        ResponseCode = 200
	CodeAccepted       ResponseCode = 202
	CodeChanged        ResponseCode = 204
	CodeBadRequest     ResponseCode = 400
	CodeNotFound       ResponseCode = 404
	CodeInternalError  ResponseCode = 500
	CodeNotImplemented ResponseCode = 501
)

// IsSuccess reports whether the code is in the 2xx range.
func (c ResponseCode) IsSuccess() bool {
	return c >= 200 && c < 300
}

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "200 success"
	case CodeAccepted:
		return "202 accepted"
	case CodeChanged:
		return "204 changed"
	case CodeBadRequest:
		return "400 bad request"
	case CodeNotFound:
		return "404 not found"
	case CodeInternalError:
		return "500 internal error"
	case CodeNotImplemented:
		return "501 not implemented"
	}
	return strconv.Itoa(int(c))
}

var (
	ErrTimeout          = errors.New("dm: timed out waiting for response")
	ErrNotManaged       = errors.New("dm: device is not managed")
	ErrAlreadyManaged   = errors.New("dm: device is already managed")
	ErrRequestPending   = errors.New("dm: a request is already pending")
	ErrClosed           = errors.New("dm: agent closed")
	ErrTransport        = errors.New("dm: transport failure")
	ErrHandlerExists    = errors.New("dm: handler already registered")
	ErrMalformedRequest = errors.New("dm: malformed request")
)

// Field is one {field, value} entry of a request or response body.
type Field struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value,omitempty"`
}

// RequestData is the "d" object of a server-initiated request.
type RequestData struct {
	Fields []Field `json:"fields,omitempty"`
	Data   []Field `json:"data,omitempty"`
}

// Request is a server-initiated device management request.
type Request struct {
	ReqID string       `json:"reqId"`
	D     *RequestData `json:"d,omitempty"`
}

// Fields returns the field list of the request, accepting either "fields" or "data".
func (r *Request) Fields() []Field {
	if r.D == nil {
		return nil
	}
	if len(r.D.Fields) > 0 {
		return r.D.Fields
	}
	return r.D.Data
}

// ParseRequest decodes an inbound request. The reqId is required; a request
// that fails to decode still returns whatever reqId could be recovered so the
// caller can acknowledge it.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		var probe struct {
			ReqID string `json:"reqId"`
		}
		_ = json.Unmarshal(payload, &probe)
		return &Request{ReqID: probe.ReqID}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.ReqID == "" {
		return &req, fmt.Errorf("%w: missing reqId", ErrMalformedRequest)
	}
	return &req, nil
}

// Response is sent by the device to acknowledge a server request, and
// received by the device as the answer to its own requests.
type Response struct {
	ReqID   string          `json:"reqId,omitempty"`
	RC      ResponseCode    `json:"rc"`
	Message string          `json:"message,omitempty"`
	D       json.RawMessage `json:"d,omitempty"`
}

// NewResponse builds a response, marshalling d when it is not nil.
func NewResponse(reqID string, rc ResponseCode, message string, d interface{}) (*Response, error) {
	resp := &Response{ReqID: reqID, RC: rc, Message: message}
	if d != nil {
		data, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response data: %w", err)
		}
		resp.D = data
	}
	return resp, nil
}

// ResponseError reports a device request the server answered with a non-2xx code.
type ResponseError struct {
	Op      string
	RC      ResponseCode
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dm: %s rejected with %s: %s", e.Op, e.RC, e.Message)
	}
	return fmt.Sprintf("dm: %s rejected with %s", e.Op, e.RC)
}

// Message is a device-initiated request such as manage or a location update.
type Message struct {
	ReqID string      `json:"reqId"`
	D     interface{} `json:"d,omitempty"`
}

// FieldsData is the {fields:[...]} body used by notify and device update responses.
type FieldsData struct {
	Fields []Field `json:"fields"`
}

// Notification is published on the notify topic when an observed resource changes.
type Notification struct {
	D FieldsData `json:"d"`
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.New().String()
}
