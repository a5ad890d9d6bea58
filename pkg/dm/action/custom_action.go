package action

import (
	"encoding/json"
	"sync"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// CustomStatus is the vendor status reported for a custom action.
type CustomStatus int

const (
	CustomOK          CustomStatus = CustomStatus(dm.CodeSuccess)
	CustomFailed      CustomStatus = CustomStatus(dm.CodeInternalError)
	CustomUnsupported CustomStatus = CustomStatus(dm.CodeNotImplemented)
)

// CustomEvent is a snapshot of a custom action at the time its status changed.
type CustomEvent struct {
	BundleID string
	ActionID string
	ReqID    string
	Status   CustomStatus
	Message  string
}

// Response converts the event into the acknowledgement sent to the server.
func (e CustomEvent) Response() dm.Response {
	return dm.Response{ReqID: e.ReqID, RC: dm.ResponseCode(e.Status), Message: e.Message}
}

// CustomAction carries one invocation of a device management extension
// action. The same instance is reused across invocations.
type CustomAction struct {
	mu         sync.RWMutex
	bundleID   string
	actionID   string
	reqID      string
	payload    json.RawMessage
	status     CustomStatus
	message    string
	inProgress bool

	listeners listeners[CustomEvent]
}

func NewCustomAction() *CustomAction {
	return &CustomAction{}
}

// Start loads a new invocation. It fails with ErrInProgress while the
// previous invocation has not reported its status.
func (a *CustomAction) Start(bundleID, actionID, reqID string, payload json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inProgress {
		return ErrInProgress
	}
	a.bundleID = bundleID
	a.actionID = actionID
	a.reqID = reqID
	a.payload = append(json.RawMessage(nil), payload...)
	a.status = 0
	a.message = ""
	a.inProgress = true
	return nil
}

// SetStatus records the outcome and notifies listeners.
func (a *CustomAction) SetStatus(status CustomStatus, message string) {
	a.mu.Lock()
	a.status = status
	a.message = message
	a.inProgress = false
	ev := CustomEvent{
		BundleID: a.bundleID,
		ActionID: a.actionID,
		ReqID:    a.reqID,
		Status:   status,
		Message:  message,
	}
	a.mu.Unlock()

	a.listeners.notify(ev)
}

func (a *CustomAction) BundleID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bundleID
}

func (a *CustomAction) ActionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.actionID
}

func (a *CustomAction) ReqID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reqID
}

// Payload returns the full request body received from the server.
func (a *CustomAction) Payload() json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.payload
}

func (a *CustomAction) Status() CustomStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *CustomAction) Message() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.message
}

func (a *CustomAction) InProgress() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inProgress
}

func (a *CustomAction) AddListener(fn func(CustomEvent)) ListenerID {
	return a.listeners.add(fn)
}

func (a *CustomAction) RemoveListener(id ListenerID) bool {
	return a.listeners.remove(id)
}

func (a *CustomAction) ClearListeners() {
	a.listeners.clear()
}
