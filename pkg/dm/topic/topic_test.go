package topic

import (
	"reflect"
	"strings"
	"testing"
)

func TestDeviceTopics(t *testing.T) {
	topics := For(Device, "t1", "d1")

	cases := map[string]string{
		"Manage":                   "iotdevice-1/mgmt/manage",
		"Unmanage":                 "iotdevice-1/mgmt/unmanage",
		"UpdateLocation":           "iotdevice-1/device/update/location",
		"AddErrorCodes":            "iotdevice-1/add/diag/errorCodes",
		"ClearErrorCodes":          "iotdevice-1/clear/diag/errorCodes",
		"AddLog":                   "iotdevice-1/add/diag/log",
		"ClearLog":                 "iotdevice-1/clear/diag/log",
		"Notify":                   "iotdevice-1/notify",
		"Response":                 "iotdevice-1/response",
		"ServerResponse":           "iotdm-1/response",
		"Observe":                  "iotdm-1/observe",
		"Cancel":                   "iotdm-1/cancel",
		"InitiateReboot":           "iotdm-1/mgmt/initiate/device/reboot",
		"InitiateFactoryReset":     "iotdm-1/mgmt/initiate/device/factory_reset",
		"InitiateFirmwareDownload": "iotdm-1/mgmt/initiate/firmware/download",
		"InitiateFirmwareUpdate":   "iotdm-1/mgmt/initiate/firmware/update",
		"DeviceUpdate":             "iotdm-1/device/update",
		"InitiateCustomAction":     "iotdm-1/mgmt/custom/+/+",
	}

	v := reflect.ValueOf(topics)
	for field, want := range cases {
		t.Run(field, func(t *testing.T) {
			if got := v.FieldByName(field).String(); got != want {
				t.Errorf("%s = %q, want %q", field, got, want)
			}
		})
	}
}

func TestGatewayTopicsEmbedIdentity(t *testing.T) {
	topics := For(Gateway, "t1", "d1")

	v := reflect.ValueOf(topics)
	for i := 0; i < v.NumField(); i++ {
		name := v.Type().Field(i).Name
		got := v.Field(i).String()
		if !strings.Contains(got, "/type/t1/id/d1/") {
			t.Errorf("%s = %q does not embed the gateway scope", name, got)
		}
	}

	if topics.Manage != "iotdevice-1/type/t1/id/d1/mgmt/manage" {
		t.Errorf("unexpected manage topic %q", topics.Manage)
	}
	if topics.ServerResponse != "iotdm-1/type/t1/id/d1/response" {
		t.Errorf("unexpected response topic %q", topics.ServerResponse)
	}
}

func TestForIsDeterministic(t *testing.T) {
	if !reflect.DeepEqual(For(Gateway, "a", "b"), For(Gateway, "a", "b")) {
		t.Error("For returned different results for the same identity")
	}
	if reflect.DeepEqual(For(Gateway, "a", "b"), For(Gateway, "a", "c")) {
		t.Error("different identities produced identical topics")
	}
}

func TestCustomActionTopics(t *testing.T) {
	t.Run("Build", func(t *testing.T) {
		got := For(Device, "", "").CustomAction("example-dme", "installPlugin")
		if got != "iotdm-1/mgmt/custom/example-dme/installPlugin" {
			t.Errorf("got %q", got)
		}
		got = For(Gateway, "t", "d").CustomAction("b", "a")
		if got != "iotdm-1/type/t/id/d/mgmt/custom/b/a" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("Parse", func(t *testing.T) {
		bundle, action, ok := ParseCustomAction("iotdm-1/type/t/id/d/mgmt/custom/b/a")
		if !ok || bundle != "b" || action != "a" {
			t.Errorf("got %q %q %v", bundle, action, ok)
		}
		if _, _, ok := ParseCustomAction("iotdm-1/mgmt/custom/onlybundle"); ok {
			t.Error("expected failure for a topic without action id")
		}
		if _, _, ok := ParseCustomAction("iotdm-1/observe"); ok {
			t.Error("expected failure for a non custom topic")
		}
	})
}
