package action

import (
	"sync"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// Kind names the device action currently being executed.
type Kind string

const (
	Reboot       Kind = "reboot"
	FactoryReset Kind = "factory_reset"
)

// Status is the outcome reported for a device action. Its value is the rc
// sent to the server.
type Status int

const (
	StatusAccepted    Status = Status(dm.CodeAccepted)
	StatusRejected    Status = Status(dm.CodeBadRequest)
	StatusFailed      Status = Status(dm.CodeInternalError)
	StatusUnsupported Status = Status(dm.CodeNotImplemented)
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	case StatusUnsupported:
		return "UNSUPPORTED"
	}
	return "UNKNOWN"
}

// EventType distinguishes the notifications emitted by a DeviceAction.
type EventType string

const (
	EventRebootStart       EventType = "DEVICE_REBOOT_START"
	EventFactoryResetStart EventType = "DEVICE_FACTORY_RESET_START"
	EventStatusChanged     EventType = "DEVICE_ACTION_STATUS_UPDATE"
)

// Event is delivered to DeviceAction listeners.
type Event struct {
	Type    EventType
	Kind    Kind
	ReqID   string
	Status  Status
	Message string
}

// DeviceAction is the single reboot / factory reset slot of a managed device.
// Only one action may be in flight at a time.
type DeviceAction struct {
	mu         sync.RWMutex
	kind       Kind
	reqID      string
	status     Status
	message    string
	inProgress bool

	listeners listeners[Event]
}

func NewDeviceAction() *DeviceAction {
	return &DeviceAction{}
}

// Start claims the action slot for a new request and notifies listeners with
// the matching start event. It fails with ErrInProgress while a previous
// action has not reported its status yet.
func (a *DeviceAction) Start(kind Kind, reqID string) error {
	a.mu.Lock()
	if a.inProgress {
		a.mu.Unlock()
		return ErrInProgress
	}
	a.kind = kind
	a.reqID = reqID
	a.status = 0
	a.message = ""
	a.inProgress = true
	a.mu.Unlock()

	typ := EventRebootStart
	if kind == FactoryReset {
		typ = EventFactoryResetStart
	}
	a.listeners.notify(Event{Type: typ, Kind: kind, ReqID: reqID})
	return nil
}

// SetStatus records the outcome of the current action, frees the slot and
// notifies listeners.
func (a *DeviceAction) SetStatus(status Status, message string) {
	a.mu.Lock()
	a.status = status
	a.message = message
	a.inProgress = false
	ev := Event{Type: EventStatusChanged, Kind: a.kind, ReqID: a.reqID, Status: status, Message: message}
	a.mu.Unlock()

	a.listeners.notify(ev)
}

func (a *DeviceAction) Kind() Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kind
}

func (a *DeviceAction) ReqID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reqID
}

func (a *DeviceAction) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *DeviceAction) Message() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.message
}

// InProgress reports whether an action was started and has not reported yet.
func (a *DeviceAction) InProgress() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inProgress
}

// AddListener registers fn for start and status events.
func (a *DeviceAction) AddListener(fn func(Event)) ListenerID {
	return a.listeners.add(fn)
}

func (a *DeviceAction) RemoveListener(id ListenerID) bool {
	return a.listeners.remove(id)
}

// ClearListeners drops every registered listener.
func (a *DeviceAction) ClearListeners() {
	a.listeners.clear()
}
