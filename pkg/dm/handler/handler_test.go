package handler

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/action"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/dm/resource"
	"github.com/iotdm-go-sdk/pkg/dm/topic"
)

type fakeClient struct {
	topics topic.Topics
	data   *devicedata.DeviceData
	logger *logrus.Logger

	mu        sync.Mutex
	responses []dm.Response
	notifies  [][]dm.Field
	resolved  []*dm.Response

	deviceHandler   DeviceActionHandler
	firmwareHandler FirmwareHandler
	customHandler   CustomActionHandler

	deferred []func(context.Context)
	defer_   bool
}

func newFakeClient() *fakeClient {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &fakeClient{
		topics: topic.For(topic.Device, "t", "d"),
		data:   devicedata.New("t", "d"),
		logger: logger,
	}
}

func (c *fakeClient) Topics() topic.Topics               { return c.topics }
func (c *fakeClient) DeviceData() *devicedata.DeviceData { return c.data }
func (c *fakeClient) Logger() logrus.FieldLogger         { return c.logger }

func (c *fakeClient) Respond(resp dm.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return nil
}

func (c *fakeClient) Notify(fields []dm.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, fields)
	return nil
}

func (c *fakeClient) Resolve(resp *dm.Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, resp)
	return resp.ReqID == "known"
}

// Go runs work inline unless the test asked to hold it back.
func (c *fakeClient) Go(fn func(ctx context.Context)) {
	if c.defer_ {
		c.deferred = append(c.deferred, fn)
		return
	}
	fn(context.Background())
}

func (c *fakeClient) runDeferred() {
	work := c.deferred
	c.deferred = nil
	for _, fn := range work {
		fn(context.Background())
	}
}

func (c *fakeClient) DeviceActionHandler() DeviceActionHandler { return c.deviceHandler }
func (c *fakeClient) FirmwareHandler() FirmwareHandler         { return c.firmwareHandler }
func (c *fakeClient) CustomActionHandler() CustomActionHandler { return c.customHandler }

func (c *fakeClient) last() dm.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses[len(c.responses)-1]
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

type fakeIntake struct {
	routes map[string]RequestHandler
}

func (i *fakeIntake) Route(t string, h RequestHandler) error {
	i.routes[t] = h
	return nil
}

func (i *fakeIntake) Unroute(t string) error {
	delete(i.routes, t)
	return nil
}

func request(reqID string, fields ...dm.Field) []byte {
	data, _ := json.Marshal(dm.Request{ReqID: reqID, D: &dm.RequestData{Fields: fields}})
	return data
}

func field(path string, value interface{}) dm.Field {
	f := dm.Field{Field: path}
	if value != nil {
		f.Value, _ = json.Marshal(value)
	}
	return f
}

type deviceActions struct {
	status action.Status
	panic  bool
	calls  []action.Kind
}

func (d *deviceActions) HandleReboot(ctx context.Context, a *action.DeviceAction) {
	d.calls = append(d.calls, action.Reboot)
	if d.status != 0 {
		a.SetStatus(d.status, "")
	}
}

func (d *deviceActions) HandleFactoryReset(ctx context.Context, a *action.DeviceAction) {
	d.calls = append(d.calls, action.FactoryReset)
	if d.panic {
		panic("reset exploded")
	}
	a.SetStatus(d.status, "")
}

func TestSetSubscribe(t *testing.T) {
	c := newFakeClient()
	s := NewSet(c)
	in := &fakeIntake{routes: make(map[string]RequestHandler)}

	require.NoError(t, s.Subscribe(in))
	assert.Len(t, in.routes, 8)
	assert.NotContains(t, in.routes, c.topics.ServerResponse)
	assert.Same(t, s.Custom, in.routes["iotdm-1/mgmt/custom/+/+"])

	s.Observe.HandleRequest(c.topics.Observe, request("r1", field("location", nil)))
	assert.True(t, s.Observe.IsObserved("location"))

	s.Unsubscribe(in)
	assert.Empty(t, in.routes)
	assert.Equal(t, 0, s.Observe.Observed())

	// status of an action still running after unsubscribe is sent until Release
	deviceAction := c.data.DeviceAction()
	require.NoError(t, deviceAction.Start(action.Reboot, "r2"))
	deviceAction.SetStatus(action.StatusFailed, "")
	require.Len(t, c.responses, 2)
	assert.Equal(t, "r2", c.responses[1].ReqID)

	s.Release()
	require.NoError(t, deviceAction.Start(action.Reboot, "r3"))
	deviceAction.SetStatus(action.StatusFailed, "")
	assert.Len(t, c.responses, 2)
}

func TestObserveAndCancel(t *testing.T) {
	c := newFakeClient()
	observe := NewObserveHandler(c)
	cancel := NewCancelHandler(c, observe)

	t.Run("ObserveRespondsWithValues", func(t *testing.T) {
		require.NoError(t, c.data.Resource("mgmt.firmware.version").SetValue("1.0", false))
		observe.HandleRequest(c.topics.Observe, request("r1", field("mgmt.firmware", nil)))

		resp := c.last()
		assert.Equal(t, "r1", resp.ReqID)
		assert.Equal(t, dm.CodeSuccess, resp.RC)
		var body dm.FieldsData
		require.NoError(t, json.Unmarshal(resp.D, &body))
		require.Len(t, body.Fields, 1)
		assert.Equal(t, "mgmt.firmware", body.Fields[0].Field)
		assert.Contains(t, string(body.Fields[0].Value), `"version":"1.0"`)
		assert.True(t, observe.IsObserved("mgmt.firmware"))
	})

	t.Run("ChangesAreNotifiedTrimmed", func(t *testing.T) {
		require.NoError(t, c.data.Firmware().BeginDownload())
		require.Len(t, c.notifies, 1)
		n := c.notifies[0][0]
		assert.Equal(t, "mgmt.firmware", n.Field)
		assert.JSONEq(t, `{"state":1}`, string(n.Value))

		c.data.Firmware().Node().Fire(resource.Internal)
		assert.Len(t, c.notifies, 1, "unchanged value is not re-sent")
	})

	t.Run("CancelStopsNotifications", func(t *testing.T) {
		cancel.HandleRequest(c.topics.Cancel, request("r2", field("mgmt.firmware", nil)))
		assert.Equal(t, dm.CodeSuccess, c.last().RC)
		assert.False(t, observe.IsObserved("mgmt.firmware"))

		c.data.Firmware().SetState(action.StateDownloaded)
		assert.Len(t, c.notifies, 1)
	})

	t.Run("CancelNeverObservedIsSuccess", func(t *testing.T) {
		data, _ := json.Marshal(dm.Request{ReqID: "r3", D: &dm.RequestData{Data: []dm.Field{{Field: "location.latitude"}}}})
		cancel.HandleRequest(c.topics.Cancel, data)
		assert.Equal(t, dm.Response{ReqID: "r3", RC: dm.CodeSuccess}, c.last())
	})

	t.Run("ObserveAcceptsDataList", func(t *testing.T) {
		data, _ := json.Marshal(dm.Request{ReqID: "r4", D: &dm.RequestData{Data: []dm.Field{{Field: "location.latitude"}}}})
		observe.HandleRequest(c.topics.Observe, data)
		assert.Equal(t, dm.CodeSuccess, c.last().RC)
		assert.True(t, observe.IsObserved("location.latitude"))
	})

	t.Run("UnknownPathIsNotFound", func(t *testing.T) {
		observe.HandleRequest(c.topics.Observe, request("r5", field("nope", nil), field("location.longitude", nil)))
		assert.Equal(t, dm.CodeNotFound, c.last().RC)
		assert.True(t, observe.IsObserved("location.longitude"))
		assert.False(t, observe.IsObserved("nope"))
	})

	t.Run("LeafNotifiedThroughComposite", func(t *testing.T) {
		before := len(c.notifies)
		c.data.SetLocation(devicedata.Location{Latitude: 42}, true)
		require.Len(t, c.notifies, before+1)
		n := c.notifies[before][0]
		assert.Equal(t, "location.latitude", n.Field)
		assert.JSONEq(t, `42`, string(n.Value))
	})

	t.Run("SyncPushesSilentWrites", func(t *testing.T) {
		before := len(c.notifies)
		require.NoError(t, c.data.Resource("location.longitude").SetValue(7.5, false))
		assert.Len(t, c.notifies, before)

		observe.Sync()
		require.Len(t, c.notifies, before+1)
		assert.Equal(t, "location.longitude", c.notifies[before][0].Field)
		assert.JSONEq(t, `7.5`, string(c.notifies[before][0].Value))

		observe.Sync()
		assert.Len(t, c.notifies, before+1)
	})
}

func TestMalformedRequests(t *testing.T) {
	c := newFakeClient()
	h := NewObserveHandler(c)

	h.HandleRequest(c.topics.Observe, []byte(`{"reqId":"bad","d":5}`))
	assert.Equal(t, "bad", c.last().ReqID)
	assert.Equal(t, dm.CodeBadRequest, c.last().RC)

	h.HandleRequest(c.topics.Observe, []byte(`{"reqId":"empty"}`))
	assert.Equal(t, dm.CodeBadRequest, c.last().RC)

	before := c.count()
	h.HandleRequest(c.topics.Observe, []byte(`not json`))
	assert.Equal(t, before, c.count(), "no reqId means nothing to acknowledge")
}

func TestRebootRequest(t *testing.T) {
	t.Run("NotImplementedWithoutHandler", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceActionRequestHandler(c, action.Reboot, c.topics.InitiateReboot)
		h.HandleRequest(c.topics.InitiateReboot, []byte(`{"reqId":"X"}`))
		assert.Equal(t, dm.Response{ReqID: "X", RC: dm.CodeNotImplemented}, c.last())
		assert.Equal(t, 1, c.count())
	})

	t.Run("AcceptedThenStatus", func(t *testing.T) {
		c := newFakeClient()
		device := &deviceActions{status: action.StatusAccepted}
		c.deviceHandler = device
		set := NewSet(c)
		require.NoError(t, set.Subscribe(&fakeIntake{routes: map[string]RequestHandler{}}))

		set.Reboot.HandleRequest(c.topics.InitiateReboot, []byte(`{"reqId":"X"}`))
		require.Equal(t, 2, c.count())
		assert.Equal(t, dm.Response{ReqID: "X", RC: dm.CodeAccepted}, c.responses[0])
		assert.Equal(t, dm.Response{ReqID: "X", RC: dm.CodeAccepted}, c.responses[1])
		assert.Equal(t, []action.Kind{action.Reboot}, device.calls)
	})

	t.Run("DuplicateWhileInProgressRejected", func(t *testing.T) {
		c := newFakeClient()
		c.deviceHandler = &deviceActions{}
		c.defer_ = true
		set := NewSet(c)
		require.NoError(t, set.Subscribe(&fakeIntake{routes: map[string]RequestHandler{}}))

		set.Reboot.HandleRequest(c.topics.InitiateReboot, []byte(`{"reqId":"first"}`))
		assert.Equal(t, dm.CodeAccepted, c.last().RC)
		set.Reboot.HandleRequest(c.topics.InitiateReboot, []byte(`{"reqId":"second"}`))
		assert.Equal(t, dm.Response{ReqID: "second", RC: dm.CodeBadRequest, Message: "another device action is in progress"}, c.last())
		set.FactoryReset.HandleRequest(c.topics.InitiateFactoryReset, []byte(`{"reqId":"third"}`))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)

		c.data.DeviceAction().SetStatus(action.StatusFailed, "no power")
		assert.Equal(t, dm.Response{ReqID: "first", RC: dm.CodeInternalError, Message: "no power"}, c.last())
	})

	t.Run("PanickingHandlerFails", func(t *testing.T) {
		c := newFakeClient()
		c.deviceHandler = &deviceActions{panic: true}
		set := NewSet(c)
		require.NoError(t, set.Subscribe(&fakeIntake{routes: map[string]RequestHandler{}}))

		set.FactoryReset.HandleRequest(c.topics.InitiateFactoryReset, []byte(`{"reqId":"fr"}`))
		last := c.last()
		assert.Equal(t, "fr", last.ReqID)
		assert.Equal(t, dm.CodeInternalError, last.RC)
		assert.Contains(t, last.Message, "reset exploded")
		assert.False(t, c.data.DeviceAction().InProgress())
	})
}

type firmwareDevice struct {
	downloads int
	updates   int
}

func (f *firmwareDevice) DownloadFirmware(ctx context.Context, fw *action.Firmware) {
	f.downloads++
	fw.SetState(action.StateDownloaded)
}

func (f *firmwareDevice) UpdateFirmware(ctx context.Context, fw *action.Firmware) {
	f.updates++
	fw.Complete(action.StateIdle, action.UpdateSuccess)
}

func TestFirmwareRequests(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		c := newFakeClient()
		device := &firmwareDevice{}
		c.firmwareHandler = device
		set := NewSet(c)
		fw := c.data.Firmware()

		var states []action.FirmwareState
		fw.AddListener(func(ev action.FirmwareEvent) { states = append(states, ev.State) })

		set.FirmwareDownload.HandleRequest(c.topics.InitiateFirmwareDownload, request("dl",
			field("mgmt.firmware", map[string]string{"name": "core", "version": "2.0", "uri": "http://host/core.bin"})))
		assert.Equal(t, dm.Response{ReqID: "dl", RC: dm.CodeAccepted}, c.last())
		assert.Equal(t, action.StateDownloaded, fw.State())
		assert.Equal(t, "http://host/core.bin", fw.URL())
		assert.Equal(t, "2.0", fw.Descriptor().Version)

		set.FirmwareUpdate.HandleRequest(c.topics.InitiateFirmwareUpdate, []byte(`{"reqId":"up"}`))
		assert.Equal(t, dm.Response{ReqID: "up", RC: dm.CodeAccepted}, c.last())

		assert.Equal(t, []action.FirmwareState{
			action.StateDownloading, action.StateDownloaded, action.StateUpdating, action.StateIdle,
		}, states)
		assert.Equal(t, action.UpdateSuccess, fw.UpdateStatus())
		assert.Equal(t, 1, device.downloads)
		assert.Equal(t, 1, device.updates)
	})

	t.Run("NotImplementedWithoutHandler", func(t *testing.T) {
		c := newFakeClient()
		set := NewSet(c)
		set.FirmwareDownload.HandleRequest(c.topics.InitiateFirmwareDownload, request("dl", field("uri", "http://x")))
		assert.Equal(t, dm.CodeNotImplemented, c.last().RC)
		set.FirmwareUpdate.HandleRequest(c.topics.InitiateFirmwareUpdate, request("up"))
		assert.Equal(t, dm.CodeNotImplemented, c.last().RC)
	})

	t.Run("MissingURL", func(t *testing.T) {
		c := newFakeClient()
		c.firmwareHandler = &firmwareDevice{}
		set := NewSet(c)
		set.FirmwareDownload.HandleRequest(c.topics.InitiateFirmwareDownload, request("dl", field("mgmt.firmware.name", "core")))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
		assert.Equal(t, action.StateIdle, c.data.Firmware().State())
	})

	t.Run("BusyRejected", func(t *testing.T) {
		c := newFakeClient()
		c.firmwareHandler = &firmwareDevice{}
		c.defer_ = true
		set := NewSet(c)

		set.FirmwareDownload.HandleRequest(c.topics.InitiateFirmwareDownload, request("dl1", field("uri", "http://a")))
		assert.Equal(t, dm.CodeAccepted, c.last().RC)
		set.FirmwareDownload.HandleRequest(c.topics.InitiateFirmwareDownload, request("dl2", field("uri", "http://b")))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
		set.FirmwareUpdate.HandleRequest(c.topics.InitiateFirmwareUpdate, request("up"))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
		assert.Equal(t, "http://a", c.data.Firmware().URL(), "rejected request must not overwrite the descriptor")

		c.runDeferred()
		assert.Equal(t, action.StateDownloaded, c.data.Firmware().State())
	})
}

func TestDeviceUpdate(t *testing.T) {
	t.Run("AppliesWithoutInternalFire", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		lat := c.data.Resource("location.latitude")
		lat.AddObserver(resource.Internal, func(resource.ChangeEvent) { t.Fatal("internal observer fired") })
		var external []string
		lat.AddObserver(resource.External, func(ev resource.ChangeEvent) { external = append(external, ev.Path) })

		h.HandleRequest(c.topics.DeviceUpdate, request("u1",
			field("location.latitude", 12.5),
			field("deviceInfo.model", "X1")))
		assert.Equal(t, dm.Response{ReqID: "u1", RC: dm.CodeChanged}, c.last())
		assert.Equal(t, 12.5, lat.Value())
		assert.Equal(t, "X1", c.data.DeviceInfo().Model)
		assert.Equal(t, []string{"location.latitude"}, external)
	})

	t.Run("CompositeObjectGoesToChildren", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		h.HandleRequest(c.topics.DeviceUpdate, request("u2",
			field("mgmt.firmware", map[string]string{"uri": "http://fw", "verifier": "abc"})))
		assert.Equal(t, dm.CodeChanged, c.last().RC)
		assert.Equal(t, "http://fw", c.data.Firmware().URL())
		assert.Equal(t, "abc", c.data.Firmware().Descriptor().Verifier)
	})

	t.Run("NestedLeavesFireExternal", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		var fired []string
		c.data.Resource("mgmt.firmware.uri").AddObserver(resource.External, func(ev resource.ChangeEvent) {
			fired = append(fired, ev.Path)
		})
		h.HandleRequest(c.topics.DeviceUpdate, request("u5",
			field("mgmt", map[string]interface{}{"firmware": map[string]string{"uri": "http://x"}})))
		assert.Equal(t, dm.CodeChanged, c.last().RC)
		assert.Equal(t, "http://x", c.data.Firmware().URL())
		assert.Equal(t, []string{"mgmt.firmware.uri"}, fired)
	})

	t.Run("UnknownFieldIsNotFound", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		h.HandleRequest(c.topics.DeviceUpdate, request("u3",
			field("location.latitude", 1),
			field("location.altitude", 2)))
		resp := c.last()
		assert.Equal(t, dm.CodeNotFound, resp.RC)
		assert.JSONEq(t, `{"fields":[{"field":"location.altitude"}]}`, string(resp.D))
		assert.Equal(t, 0.0, c.data.Resource("location.latitude").Value(), "nothing applied")
	})

	t.Run("InvalidValueAppliesNothing", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		h.HandleRequest(c.topics.DeviceUpdate, request("u4",
			field("deviceInfo.model", "X2"),
			field("location.latitude", "north")))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
		assert.Equal(t, "", c.data.DeviceInfo().Model)
	})

	t.Run("CompositeScalarRejected", func(t *testing.T) {
		c := newFakeClient()
		h := NewDeviceUpdateHandler(c)
		h.HandleRequest(c.topics.DeviceUpdate, request("u5", field("mgmt.firmware", "x")))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
	})
}

type customDevice struct {
	status action.CustomStatus
	seen   []string
}

func (d *customDevice) HandleCustomAction(ctx context.Context, a *action.CustomAction) {
	d.seen = append(d.seen, a.BundleID()+"/"+a.ActionID())
	if d.status != 0 {
		a.SetStatus(d.status, "")
	}
}

func TestCustomRequest(t *testing.T) {
	t.Run("NotImplementedWithoutHandler", func(t *testing.T) {
		c := newFakeClient()
		h := NewCustomRequestHandler(c)
		h.HandleRequest("iotdm-1/mgmt/custom/b/a", []byte(`{"reqId":"c1"}`))
		assert.Equal(t, dm.Response{ReqID: "c1", RC: dm.CodeNotImplemented}, c.last())
	})

	t.Run("StatusIsTheResponse", func(t *testing.T) {
		c := newFakeClient()
		device := &customDevice{status: action.CustomOK}
		c.customHandler = device
		set := NewSet(c)
		require.NoError(t, set.Subscribe(&fakeIntake{routes: map[string]RequestHandler{}}))

		set.Custom.HandleRequest("iotdm-1/mgmt/custom/example-dme/installPlugin", []byte(`{"reqId":"c2","d":{}}`))
		assert.Equal(t, []string{"example-dme/installPlugin"}, device.seen)
		assert.Equal(t, 1, c.count())
		assert.Equal(t, dm.Response{ReqID: "c2", RC: dm.CodeSuccess}, c.last())
	})

	t.Run("InProgressRejected", func(t *testing.T) {
		c := newFakeClient()
		c.customHandler = &customDevice{}
		set := NewSet(c)
		set.Custom.HandleRequest("iotdm-1/mgmt/custom/b/a", []byte(`{"reqId":"c3"}`))
		assert.Equal(t, 0, c.count())
		set.Custom.HandleRequest("iotdm-1/mgmt/custom/b/a", []byte(`{"reqId":"c4"}`))
		assert.Equal(t, dm.CodeBadRequest, c.last().RC)
	})
}

func TestResponseHandler(t *testing.T) {
	c := newFakeClient()
	h := NewResponseHandler(c)
	h.HandleRequest(c.topics.ServerResponse, []byte(`{"reqId":"known","rc":200}`))
	h.HandleRequest(c.topics.ServerResponse, []byte(`garbage`))
	require.Len(t, c.resolved, 1)
	assert.Equal(t, dm.CodeSuccess, c.resolved[0].RC)
}
