// Package topic builds the MQTT topic names used by the device management
// protocol. Everything here is pure string construction.
package topic

import (
	"fmt"
	"strings"
)

// Role selects the topic namespace of a managed client.
type Role int

const (
	Device Role = iota
	Gateway
)

func (r Role) String() string {
	if r == Gateway {
		return "gateway"
	}
	return "device"
}

const (
	agentPrefix  = "iotdevice-1"
	serverPrefix = "iotdm-1"

	customSegment = "mgmt/custom/"
)

// Topics is the full set of topics used by one managed identity. The first
// group is published by the device, the second is published by the server.
type Topics struct {
	Manage          string
	Unmanage        string
	UpdateLocation  string
	AddErrorCodes   string
	ClearErrorCodes string
	AddLog          string
	ClearLog        string
	Notify          string
	Response        string

	ServerResponse           string
	Observe                  string
	Cancel                   string
	InitiateReboot           string
	InitiateFactoryReset     string
	InitiateFirmwareDownload string
	InitiateFirmwareUpdate   string
	DeviceUpdate             string
	InitiateCustomAction     string
}

// For returns the topics of the identity. Device topics do not embed the ids;
// gateway topics embed type/{typeID}/id/{deviceID} in every entry.
func For(role Role, typeID, deviceID string) Topics {
	agent := agentPrefix + "/"
	server := serverPrefix + "/"
	if role == Gateway {
		scope := fmt.Sprintf("type/%s/id/%s/", typeID, deviceID)
		agent += scope
		server += scope
	}

	return Topics{
		Manage:          agent + "mgmt/manage",
		Unmanage:        agent + "mgmt/unmanage",
		UpdateLocation:  agent + "device/update/location",
		AddErrorCodes:   agent + "add/diag/errorCodes",
		ClearErrorCodes: agent + "clear/diag/errorCodes",
		AddLog:          agent + "add/diag/log",
		ClearLog:        agent + "clear/diag/log",
		Notify:          agent + "notify",
		Response:        agent + "response",

		ServerResponse:           server + "response",
		Observe:                  server + "observe",
		Cancel:                   server + "cancel",
		InitiateReboot:           server + "mgmt/initiate/device/reboot",
		InitiateFactoryReset:     server + "mgmt/initiate/device/factory_reset",
		InitiateFirmwareDownload: server + "mgmt/initiate/firmware/download",
		InitiateFirmwareUpdate:   server + "mgmt/initiate/firmware/update",
		DeviceUpdate:             server + "device/update",
		InitiateCustomAction:     server + customSegment + "+/+",
	}
}

// Server returns the topics the device subscribes to, in a stable order.
func (t Topics) Server() []string {
	return []string{
		t.ServerResponse,
		t.Observe,
		t.Cancel,
		t.InitiateReboot,
		t.InitiateFactoryReset,
		t.InitiateFirmwareDownload,
		t.InitiateFirmwareUpdate,
		t.DeviceUpdate,
		t.InitiateCustomAction,
	}
}

// CustomAction returns the concrete topic of one custom action under the
// same namespace as t.
func (t Topics) CustomAction(bundleID, actionID string) string {
	return strings.TrimSuffix(t.InitiateCustomAction, "+/+") + bundleID + "/" + actionID
}

// ParseCustomAction extracts the bundle and action ids from a concrete custom
// action topic of either namespace.
func ParseCustomAction(topic string) (bundleID, actionID string, ok bool) {
	i := strings.Index(topic, customSegment)
	if i < 0 {
		return "", "", false
	}
	parts := strings.Split(topic[i+len(customSegment):], "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
