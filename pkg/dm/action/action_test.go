package action

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
)

func TestDeviceAction(t *testing.T) {
	t.Run("StartNotifiesKindEvent", func(t *testing.T) {
		a := NewDeviceAction()
		var events []Event
		a.AddListener(func(ev Event) { events = append(events, ev) })

		require.NoError(t, a.Start(FactoryReset, "req-1"))
		require.Len(t, events, 1)
		assert.Equal(t, EventFactoryResetStart, events[0].Type)
		assert.Equal(t, "req-1", events[0].ReqID)
		assert.True(t, a.InProgress())
	})

	t.Run("SecondStartRejectedUntilStatus", func(t *testing.T) {
		a := NewDeviceAction()
		require.NoError(t, a.Start(Reboot, "req-1"))
		assert.True(t, errors.Is(a.Start(Reboot, "req-2"), ErrInProgress))
		assert.True(t, errors.Is(a.Start(FactoryReset, "req-3"), ErrInProgress))

		a.SetStatus(StatusAccepted, "")
		assert.False(t, a.InProgress())
		require.NoError(t, a.Start(Reboot, "req-4"))
		assert.Equal(t, "req-4", a.ReqID())
	})

	t.Run("SetStatusCarriesCorrelation", func(t *testing.T) {
		a := NewDeviceAction()
		var got Event
		a.AddListener(func(ev Event) { got = ev })
		require.NoError(t, a.Start(Reboot, "req-9"))
		a.SetStatus(StatusFailed, "disk busy")

		assert.Equal(t, EventStatusChanged, got.Type)
		assert.Equal(t, "req-9", got.ReqID)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "disk busy", got.Message)
		assert.Equal(t, 500, int(a.Status()))
	})

	t.Run("RemovedListenerSilent", func(t *testing.T) {
		a := NewDeviceAction()
		id := a.AddListener(func(Event) { t.Fatal("listener should be removed") })
		assert.True(t, a.RemoveListener(id))
		a.SetStatus(StatusAccepted, "")
	})
}

func TestCustomAction(t *testing.T) {
	a := NewCustomAction()
	payload := json.RawMessage(`{"reqId":"r1","d":{"plugin":"x"}}`)
	require.NoError(t, a.Start("example-dme", "installPlugin", "r1", payload))
	assert.True(t, errors.Is(a.Start("b", "a", "r2", nil), ErrInProgress))

	var got CustomEvent
	a.AddListener(func(ev CustomEvent) { got = ev })
	a.SetStatus(CustomOK, "")

	assert.Equal(t, "example-dme", got.BundleID)
	assert.Equal(t, "installPlugin", got.ActionID)
	resp := got.Response()
	assert.Equal(t, "r1", resp.ReqID)
	assert.Equal(t, dm.CodeSuccess, resp.RC)
	assert.JSONEq(t, string(payload), string(a.Payload()))
	assert.False(t, a.InProgress())
}

func TestFirmwareStateMachine(t *testing.T) {
	t.Run("DownloadThenUpdate", func(t *testing.T) {
		fw := NewFirmware(Descriptor{Name: "core", Version: "1.0"})
		var states []FirmwareState
		fw.AddListener(func(ev FirmwareEvent) { states = append(states, ev.State) })

		fw.SetDescriptor(Descriptor{Version: "1.1", URL: "http://host/core-1.1.bin"})
		assert.Equal(t, "core", fw.Descriptor().Name)
		assert.Equal(t, "1.1", fw.Descriptor().Version)

		require.NoError(t, fw.BeginDownload())
		assert.True(t, errors.Is(fw.BeginDownload(), ErrInProgress))
		assert.True(t, errors.Is(fw.BeginUpdate(), ErrInProgress))
		fw.SetState(StateDownloaded)

		require.NoError(t, fw.BeginUpdate())
		assert.Equal(t, UpdateInProgress, fw.UpdateStatus())
		fw.Complete(StateIdle, UpdateSuccess)

		assert.Equal(t, []FirmwareState{StateDownloading, StateDownloaded, StateUpdating, StateIdle}, states)
		assert.Equal(t, UpdateSuccess, fw.UpdateStatus())
	})

	t.Run("DownloadRequiresIdle", func(t *testing.T) {
		fw := NewFirmware(Descriptor{})
		fw.SetState(StateDownloaded)
		assert.True(t, errors.Is(fw.BeginDownload(), ErrInProgress))
	})

	t.Run("CompositeObserversFire", func(t *testing.T) {
		fw := NewFirmware(Descriptor{})
		root := resource.NewComposite("mgmt")
		require.NoError(t, root.Add(fw.Node()))

		var paths []string
		fw.Node().AddObserver(resource.Internal, func(ev resource.ChangeEvent) {
			paths = append(paths, ev.Path)
		})
		require.NoError(t, fw.BeginDownload())
		assert.Equal(t, []string{"mgmt.firmware"}, paths)

		value := fw.Node().WireValue().(map[string]interface{})
		assert.Equal(t, float64(StateDownloading), value[FieldState])
	})
}
