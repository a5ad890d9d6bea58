// Package devicedata builds the resource tree of one managed device: device
// info, location, metadata, firmware and diagnostics, plus the action slots
// the request handlers drive.
package devicedata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

// Resource names directly under the tree root.
const (
	DeviceInfoResource = "deviceInfo"
	LocationResource   = "location"
	MetadataResource   = "metadata"
	MgmtResource       = "mgmt"
	DiagResource       = "diag"

	ErrorCodesResource = "errorCodes"
	LogResource        = "log"
)

// Location leaf names.
const (
	FieldLatitude         = "latitude"
	FieldLongitude        = "longitude"
	FieldElevation        = "elevation"
	FieldAccuracy         = "accuracy"
	FieldMeasuredDateTime = "measuredDateTime"
)

// DeviceData owns the resource tree and action state of one device.
type DeviceData struct {
	typeID   string
	deviceID string

	root       *resource.Node
	info       *resource.Node
	location   *resource.Node
	metadata   *resource.Node
	mgmt       *resource.Node
	diag       *resource.Node
	errorCodes *resource.Node
	log        *resource.Node

	firmware     *action.Firmware
	deviceAction *action.DeviceAction
	customAction *action.CustomAction
}

// Option customizes the tree built by New.
type Option func(*DeviceData)

// WithDeviceInfo fills the deviceInfo resource.
func WithDeviceInfo(info DeviceInfo) Option {
	return func(d *DeviceData) {
		for _, f := range info.fields() {
			_ = d.info.Child(f.name).SetValue(f.value, false)
		}
	}
}

// WithLocation sets the initial location.
func WithLocation(loc Location) Option {
	return func(d *DeviceData) {
		d.SetLocation(loc, false)
	}
}

// WithMetadata sets the free-form metadata object sent with manage requests.
func WithMetadata(metadata map[string]interface{}) Option {
	return func(d *DeviceData) {
		_ = d.metadata.SetValue(metadata, false)
	}
}

// WithFirmware sets the descriptor of the currently installed firmware.
func WithFirmware(desc action.Descriptor) Option {
	return func(d *DeviceData) {
		d.firmware.SetDescriptor(desc)
	}
}

// New builds the tree of a device identified by typeID and deviceID.
func New(typeID, deviceID string, opts ...Option) *DeviceData {
	d := &DeviceData{
		typeID:       typeID,
		deviceID:     deviceID,
		root:         resource.NewRoot(),
		info:         resource.NewComposite(DeviceInfoResource),
		location:     resource.NewComposite(LocationResource),
		metadata:     resource.NewObject(MetadataResource, nil),
		mgmt:         resource.NewComposite(MgmtResource),
		diag:         resource.NewComposite(DiagResource),
		errorCodes:   resource.NewNumber(ErrorCodesResource, 0),
		log:          resource.NewObject(LogResource, nil),
		firmware:     action.NewFirmware(action.Descriptor{}),
		deviceAction: action.NewDeviceAction(),
		customAction: action.NewCustomAction(),
	}

	for _, f := range (DeviceInfo{}).fields() {
		mustAdd(d.info, resource.NewString(f.name, ""))
	}
	mustAdd(d.location, resource.NewNumber(FieldLatitude, 0))
	mustAdd(d.location, resource.NewNumber(FieldLongitude, 0))
	mustAdd(d.location, resource.NewNumber(FieldElevation, 0))
	mustAdd(d.location, resource.NewNumber(FieldAccuracy, 0))
	mustAdd(d.location, resource.NewDate(FieldMeasuredDateTime, time.Time{}))
	mustAdd(d.mgmt, d.firmware.Node())
	mustAdd(d.diag, d.errorCodes)
	mustAdd(d.diag, d.log)

	for _, n := range []*resource.Node{d.info, d.location, d.metadata, d.mgmt, d.diag} {
		mustAdd(d.root, n)
	}

	for _, opt := range opts {
		opt(d)
	}
	return d
}

func mustAdd(parent, child *resource.Node) {
	if err := parent.Add(child); err != nil {
		panic(fmt.Sprintf("devicedata: %v", err))
	}
}

func (d *DeviceData) TypeID() string { return d.typeID }

func (d *DeviceData) DeviceID() string { return d.deviceID }

// Root returns the synthetic root of the tree.
func (d *DeviceData) Root() *resource.Node { return d.root }

// Resource resolves a canonical path such as "mgmt.firmware".
func (d *DeviceData) Resource(path string) *resource.Node {
	if path == "" {
		return nil
	}
	return d.root.Find(path)
}

func (d *DeviceData) Firmware() *action.Firmware { return d.firmware }

func (d *DeviceData) DeviceAction() *action.DeviceAction { return d.deviceAction }

func (d *DeviceData) CustomAction() *action.CustomAction { return d.customAction }

func (d *DeviceData) LocationNode() *resource.Node { return d.location }

func (d *DeviceData) ErrorCodesNode() *resource.Node { return d.errorCodes }

func (d *DeviceData) LogNode() *resource.Node { return d.log }

// DeviceInfo reads the deviceInfo resource back into a struct.
func (d *DeviceData) DeviceInfo() DeviceInfo {
	get := func(name string) string {
		s, _ := d.info.Child(name).Value().(string)
		return s
	}
	return DeviceInfo{
		SerialNumber:        get("serialNumber"),
		Manufacturer:        get("manufacturer"),
		Model:               get("model"),
		DeviceClass:         get("deviceClass"),
		Description:         get("description"),
		FwVersion:           get("fwVersion"),
		HwVersion:           get("hwVersion"),
		DescriptiveLocation: get("descriptiveLocation"),
	}
}

// Metadata returns the metadata object, or nil when none was set.
func (d *DeviceData) Metadata() map[string]interface{} {
	m, _ := d.metadata.Value().(map[string]interface{})
	return m
}

// SetLocation writes every location leaf. With fireEvent the internal
// observers of the location resource are notified once, after all leaves
// were written.
func (d *DeviceData) SetLocation(loc Location, fireEvent bool) {
	measured := loc.MeasuredDateTime
	if measured.IsZero() {
		measured = time.Now()
	}
	_ = d.location.Child(FieldLatitude).SetValue(loc.Latitude, false)
	_ = d.location.Child(FieldLongitude).SetValue(loc.Longitude, false)
	if loc.Elevation != nil {
		_ = d.location.Child(FieldElevation).SetValue(*loc.Elevation, false)
	}
	if loc.Accuracy != nil {
		_ = d.location.Child(FieldAccuracy).SetValue(*loc.Accuracy, false)
	}
	_ = d.location.Child(FieldMeasuredDateTime).SetValue(measured, false)
	if fireEvent {
		d.location.Fire(resource.Internal)
	}
}

// Location reads the location resource back into a struct.
func (d *DeviceData) Location() Location {
	num := func(name string) float64 {
		v, _ := d.location.Child(name).Value().(float64)
		return v
	}
	elevation := num(FieldElevation)
	accuracy := num(FieldAccuracy)
	measured, _ := d.location.Child(FieldMeasuredDateTime).Value().(time.Time)
	return Location{
		Latitude:         num(FieldLatitude),
		Longitude:        num(FieldLongitude),
		Elevation:        &elevation,
		Accuracy:         &accuracy,
		MeasuredDateTime: measured,
	}
}

// AppendErrorCode records the latest error code. With fireEvent the internal
// observers are notified, which lets a managed agent publish it.
func (d *DeviceData) AppendErrorCode(code int, fireEvent bool) {
	_ = d.errorCodes.SetValue(code, fireEvent)
}

// LastErrorCode returns the most recently recorded error code.
func (d *DeviceData) LastErrorCode() int {
	v, _ := d.errorCodes.Value().(float64)
	return int(v)
}

// AppendLog records the latest log entry.
func (d *DeviceData) AppendLog(entry LogEntry, fireEvent bool) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_ = d.log.SetValue(entry, fireEvent)
}

// LastLog returns the most recently recorded log entry.
func (d *DeviceData) LastLog() (LogEntry, bool) {
	v := d.log.Value()
	if v == nil {
		return LogEntry{}, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return LogEntry{}, false
	}
	var entry LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return LogEntry{}, false
	}
	return entry, true
}
