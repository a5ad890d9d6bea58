package action

import (
	"fmt"
	"sync"

	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

// FirmwareState is the download/apply state of the device firmware.
type FirmwareState int

const (
	StateIdle FirmwareState = iota
	StateDownloading
	StateDownloaded
	StateUpdating
)

func (s FirmwareState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDownloading:
		return "DOWNLOADING"
	case StateDownloaded:
		return "DOWNLOADED"
	case StateUpdating:
		return "UPDATING"
	}
	return fmt.Sprintf("FirmwareState(%d)", int(s))
}

// UpdateStatus is the result of the last firmware operation.
type UpdateStatus int

const (
	UpdateSuccess UpdateStatus = iota
	UpdateInProgress
	UpdateOutOfMemory
	UpdateConnectionLost
	UpdateVerificationFailed
	UpdateUnsupportedImage
	UpdateInvalidURI
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateSuccess:
		return "SUCCESS"
	case UpdateInProgress:
		return "IN_PROGRESS"
	case UpdateOutOfMemory:
		return "OUT_OF_MEMORY"
	case UpdateConnectionLost:
		return "CONNECTION_LOST"
	case UpdateVerificationFailed:
		return "VERIFICATION_FAILED"
	case UpdateUnsupportedImage:
		return "UNSUPPORTED_IMAGE"
	case UpdateInvalidURI:
		return "INVALID_URI"
	}
	return fmt.Sprintf("UpdateStatus(%d)", int(s))
}

// Resource names of the firmware subtree.
const (
	FirmwareResource = "firmware"

	FieldName         = "name"
	FieldVersion      = "version"
	FieldURI          = "uri"
	FieldVerifier     = "verifier"
	FieldState        = "state"
	FieldUpdateStatus = "updateStatus"
)

// Descriptor identifies the firmware image supplied by the server.
type Descriptor struct {
	Name     string `json:"name,omitempty" yaml:"name"`
	Version  string `json:"version,omitempty" yaml:"version"`
	URL      string `json:"uri,omitempty" yaml:"uri"`
	Verifier string `json:"verifier,omitempty" yaml:"verifier"`
}

// FirmwareEvent is delivered to firmware listeners after every change of
// state or update status.
type FirmwareEvent struct {
	State        FirmwareState
	UpdateStatus UpdateStatus
	Descriptor   Descriptor
}

// Firmware is the firmware state machine. Its fields live in a composite
// resource so the server can observe "mgmt.firmware" like any other path.
type Firmware struct {
	// mu serializes state transitions between the request handlers and the
	// device firmware callback.
	mu sync.Mutex

	node         *resource.Node
	name         *resource.Node
	version      *resource.Node
	uri          *resource.Node
	verifier     *resource.Node
	state        *resource.Node
	updateStatus *resource.Node

	listeners listeners[FirmwareEvent]
}

func NewFirmware(d Descriptor) *Firmware {
	f := &Firmware{
		node:         resource.NewComposite(FirmwareResource),
		name:         resource.NewString(FieldName, d.Name),
		version:      resource.NewString(FieldVersion, d.Version),
		uri:          resource.NewString(FieldURI, d.URL),
		verifier:     resource.NewString(FieldVerifier, d.Verifier),
		state:        resource.NewNumber(FieldState, float64(StateIdle)),
		updateStatus: resource.NewNumber(FieldUpdateStatus, float64(UpdateSuccess)),
	}
	for _, child := range []*resource.Node{f.name, f.version, f.uri, f.verifier, f.state, f.updateStatus} {
		// names are constant and unique, Add cannot fail
		_ = f.node.Add(child)
	}
	return f
}

// Node returns the composite "firmware" resource.
func (f *Firmware) Node() *resource.Node {
	return f.node
}

func (f *Firmware) Descriptor() Descriptor {
	return Descriptor{
		Name:     stringOf(f.name),
		Version:  stringOf(f.version),
		URL:      stringOf(f.uri),
		Verifier: stringOf(f.verifier),
	}
}

// SetDescriptor overwrites the non-empty descriptor fields without notifying observers.
func (f *Firmware) SetDescriptor(d Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := func(n *resource.Node, v string) {
		if v != "" {
			_ = n.SetValue(v, false)
		}
	}
	set(f.name, d.Name)
	set(f.version, d.Version)
	set(f.uri, d.URL)
	set(f.verifier, d.Verifier)
}

func (f *Firmware) URL() string {
	return stringOf(f.uri)
}

func (f *Firmware) State() FirmwareState {
	return FirmwareState(numberOf(f.state))
}

func (f *Firmware) UpdateStatus() UpdateStatus {
	return UpdateStatus(numberOf(f.updateStatus))
}

// BeginDownload moves IDLE to DOWNLOADING. Any other state is a conflict.
func (f *Firmware) BeginDownload() error {
	f.mu.Lock()
	if f.State() != StateIdle {
		state := f.State()
		f.mu.Unlock()
		return fmt.Errorf("%w: firmware is %s", ErrInProgress, state)
	}
	f.setState(StateDownloading)
	f.mu.Unlock()
	f.changed()
	return nil
}

// BeginUpdate moves to UPDATING unless a download or update is already running.
func (f *Firmware) BeginUpdate() error {
	f.mu.Lock()
	if state := f.State(); state == StateDownloading || state == StateUpdating {
		f.mu.Unlock()
		return fmt.Errorf("%w: firmware is %s", ErrInProgress, state)
	}
	f.setUpdateStatus(UpdateInProgress)
	f.setState(StateUpdating)
	f.mu.Unlock()
	f.changed()
	return nil
}

// SetState is called by the device firmware callback to report progress.
func (f *Firmware) SetState(s FirmwareState) {
	f.mu.Lock()
	f.setState(s)
	f.mu.Unlock()
	f.changed()
}

// SetUpdateStatus is called by the device firmware callback to report the result.
func (f *Firmware) SetUpdateStatus(s UpdateStatus) {
	f.mu.Lock()
	f.setUpdateStatus(s)
	f.mu.Unlock()
	f.changed()
}

// Complete reports the final result of an operation and returns to the given state.
func (f *Firmware) Complete(state FirmwareState, status UpdateStatus) {
	f.mu.Lock()
	f.setUpdateStatus(status)
	f.setState(state)
	f.mu.Unlock()
	f.changed()
}

func (f *Firmware) setState(s FirmwareState) {
	_ = f.state.SetValue(float64(s), true)
}

func (f *Firmware) setUpdateStatus(s UpdateStatus) {
	_ = f.updateStatus.SetValue(float64(s), true)
}

// changed fires the composite's internal observers and the firmware listeners.
func (f *Firmware) changed() {
	f.node.Fire(resource.Internal)
	f.listeners.notify(FirmwareEvent{
		State:        f.State(),
		UpdateStatus: f.UpdateStatus(),
		Descriptor:   f.Descriptor(),
	})
}

func (f *Firmware) AddListener(fn func(FirmwareEvent)) ListenerID {
	return f.listeners.add(fn)
}

func (f *Firmware) RemoveListener(id ListenerID) bool {
	return f.listeners.remove(id)
}

func stringOf(n *resource.Node) string {
	s, _ := n.Value().(string)
	return s
}

func numberOf(n *resource.Node) float64 {
	v, _ := n.Value().(float64)
	return v
}
