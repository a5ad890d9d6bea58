package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an agent notification.
type EventType string

// Lease events
const (
	EventManaged      EventType = "dm.managed"
	EventUnmanaged    EventType = "dm.unmanaged"
	EventLeaseRenewed EventType = "dm.lease.renewed"
	EventLeaseFailed  EventType = "dm.lease.failed"
)

// Action and resource events
const (
	EventActionStatus    EventType = "dm.action.status"
	EventFirmwareState   EventType = "dm.firmware.state"
	EventResourceUpdated EventType = "dm.resource.updated"
)

// Event is emitted by the agent of one device. A gateway and its attached
// devices may share a bus, so every event names the device it concerns.
type Event struct {
	ID       string      `json:"id"`
	Type     EventType   `json:"type"`
	TypeID   string      `json:"typeId"`
	DeviceID string      `json:"deviceId"`
	Time     time.Time   `json:"time"`
	Data     interface{} `json:"data,omitempty"`
}

// NewEvent stamps a new event for the device typeID/deviceID.
func NewEvent(eventType EventType, typeID, deviceID string, data interface{}) *Event {
	return &Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TypeID:   typeID,
		DeviceID: deviceID,
		Time:     time.Now(),
		Data:     data,
	}
}

// Source is the "typeId:deviceId" pair of the emitting device.
func (e *Event) Source() string {
	return e.TypeID + ":" + e.DeviceID
}

// Handler consumes one event. A returned error is logged by the bus.
type Handler func(event *Event) error

// SubscriptionID identifies a handler registration
type SubscriptionID uint64

// SubscribeOption tunes a registration.
type SubscribeOption func(*subscription)

// WithPriority orders handlers of the same event type, highest first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) { s.priority = priority }
}

// Async runs the handler on the bus worker pool.
func Async() SubscribeOption {
	return func(s *subscription) { s.async = true }
}

// ForDevice restricts the handler to events of one device.
func ForDevice(typeID, deviceID string) SubscribeOption {
	return func(s *subscription) {
		s.typeID = typeID
		s.deviceID = deviceID
	}
}

type subscription struct {
	id       SubscriptionID
	handler  Handler
	priority int
	async    bool
	typeID   string
	deviceID string
}

func (s *subscription) matches(e *Event) bool {
	if s.typeID == "" && s.deviceID == "" {
		return true
	}
	return s.typeID == e.TypeID && s.deviceID == e.DeviceID
}
