package devicedata

import (
	"encoding/json"
	"time"

	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

// DeviceInfo describes the device hardware and software. It is sent with
// every manage request.
type DeviceInfo struct {
	SerialNumber        string `json:"serialNumber,omitempty" yaml:"serialNumber"`
	Manufacturer        string `json:"manufacturer,omitempty" yaml:"manufacturer"`
	Model               string `json:"model,omitempty" yaml:"model"`
	DeviceClass         string `json:"deviceClass,omitempty" yaml:"deviceClass"`
	Description         string `json:"description,omitempty" yaml:"description"`
	FwVersion           string `json:"fwVersion,omitempty" yaml:"fwVersion"`
	HwVersion           string `json:"hwVersion,omitempty" yaml:"hwVersion"`
	DescriptiveLocation string `json:"descriptiveLocation,omitempty" yaml:"descriptiveLocation"`
}

func (i DeviceInfo) fields() []struct{ name, value string } {
	return []struct{ name, value string }{
		{"serialNumber", i.SerialNumber},
		{"manufacturer", i.Manufacturer},
		{"model", i.Model},
		{"deviceClass", i.DeviceClass},
		{"description", i.Description},
		{"fwVersion", i.FwVersion},
		{"hwVersion", i.HwVersion},
		{"descriptiveLocation", i.DescriptiveLocation},
	}
}

// Location is a WGS84 position. Elevation and Accuracy are optional.
type Location struct {
	Latitude         float64
	Longitude        float64
	Elevation        *float64
	Accuracy         *float64
	MeasuredDateTime time.Time
}

type locationWire struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Elevation        *float64 `json:"elevation,omitempty"`
	MeasuredDateTime string   `json:"measuredDateTime"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
}

// MarshalJSON encodes the location in the update/location body format.
func (l Location) MarshalJSON() ([]byte, error) {
	measured := l.MeasuredDateTime
	if measured.IsZero() {
		measured = time.Now()
	}
	return json.Marshal(locationWire{
		Latitude:         l.Latitude,
		Longitude:        l.Longitude,
		Elevation:        l.Elevation,
		MeasuredDateTime: measured.UTC().Format(resource.DateFormat),
		Accuracy:         l.Accuracy,
	})
}

// LogSeverity grades a diagnostic log entry.
type LogSeverity int

const (
	SeverityInformational LogSeverity = iota
	SeverityWarning
	SeverityError
)

func (s LogSeverity) String() string {
	switch s {
	case SeverityInformational:
		return "informational"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// LogEntry is one diagnostic log record. Data is base64 encoded on the wire.
type LogEntry struct {
	Message   string
	Timestamp time.Time
	Severity  LogSeverity
	Data      []byte
}

type logWire struct {
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Data      []byte      `json:"data,omitempty"`
	Severity  LogSeverity `json:"severity"`
}

// MarshalJSON encodes the entry in the add/diag/log body format.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(logWire{
		Message:   e.Message,
		Timestamp: ts.UTC().Format(resource.DateFormat),
		Data:      e.Data,
		Severity:  e.Severity,
	})
}

// UnmarshalJSON accepts the wire format produced by MarshalJSON.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var w logWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Message = w.Message
	e.Data = w.Data
	e.Severity = w.Severity
	e.Timestamp = time.Time{}
	if w.Timestamp != "" {
		ts, err := time.Parse(resource.DateFormat, w.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	}
	return nil
}

// ErrorCode is the body of add/diag/errorCodes.
type ErrorCode struct {
	ErrorCode int `json:"errorCode"`
}
