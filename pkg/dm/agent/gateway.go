package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iotdm-go-sdk/pkg/config"
	"github.com/iotdm-go-sdk/pkg/dm"
	"github.com/iotdm-go-sdk/pkg/dm/devicedata"
	"github.com/iotdm-go-sdk/pkg/dm/topic"
	"github.com/iotdm-go-sdk/pkg/event"
)

// ErrUnknownDevice is returned for a device that is not attached to the gateway.
var ErrUnknownDevice = errors.New("agent: device not attached to gateway")

// Gateway manages itself and the devices attached behind it over a single
// transport. Every attached device has its own resource tree, handlers and
// lease; its requests arrive on topics scoped by type/{typeId}/id/{deviceId}.
type Gateway struct {
	*ManagedAgent

	transport Transport
	cfg       config.DMConfig
	opts      options
	ownsBus   bool

	mu      sync.Mutex
	devices map[string]*ManagedAgent
}

// NewGateway creates the agent of the gateway described by data.
func NewGateway(transport Transport, data *devicedata.DeviceData, cfg config.DMConfig, opts ...Option) *Gateway {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.role = topic.Gateway

	g := &Gateway{
		transport: transport,
		cfg:       cfg,
		devices:   make(map[string]*ManagedAgent),
	}
	if o.bus == nil {
		o.bus = event.NewBus(1)
		if o.logger != nil {
			o.bus.SetLogger(o.logger)
		}
		_ = o.bus.Start()
		g.ownsBus = true
	}
	g.opts = o

	self := o
	g.ManagedAgent = newAgent(transport, data, cfg, &self)
	return g
}

func deviceKey(typeID, deviceID string) string {
	return typeID + "/" + deviceID
}

// AddDevice attaches a device to the gateway. The device is not managed
// until ManageDevice is called.
func (g *Gateway) AddDevice(data *devicedata.DeviceData) (*ManagedAgent, error) {
	key := deviceKey(data.TypeID(), data.DeviceID())
	if data.TypeID() == g.data.TypeID() && data.DeviceID() == g.data.DeviceID() {
		return nil, fmt.Errorf("%w: %s is the gateway itself", dm.ErrAlreadyManaged, key)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.devices[key]; ok {
		return nil, fmt.Errorf("%w: %s", dm.ErrAlreadyManaged, key)
	}

	o := g.opts
	d := newAgent(g.transport, data, g.cfg, &o)
	g.devices[key] = d
	g.logger.WithFields(logrus.Fields{"device": key}).Info("Device attached")
	return d, nil
}

// Device returns the agent of an attached device, or nil.
func (g *Gateway) Device(typeID, deviceID string) *ManagedAgent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.devices[deviceKey(typeID, deviceID)]
}

// Devices returns the attached devices ordered by type and id.
func (g *Gateway) Devices() []*ManagedAgent {
	g.mu.Lock()
	keys := make([]string, 0, len(g.devices))
	for k := range g.devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ManagedAgent, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.devices[k])
	}
	g.mu.Unlock()
	return out
}

func (g *Gateway) lookup(typeID, deviceID string) (*ManagedAgent, error) {
	if d := g.Device(typeID, deviceID); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceKey(typeID, deviceID))
}

// ManageDevice manages an attached device on behalf of the gateway.
func (g *Gateway) ManageDevice(ctx context.Context, typeID, deviceID string, lifetime time.Duration, supportsDeviceActions, supportsFirmwareActions bool, bundleIDs ...string) error {
	d, err := g.lookup(typeID, deviceID)
	if err != nil {
		return err
	}
	return d.Manage(ctx, lifetime, supportsDeviceActions, supportsFirmwareActions, bundleIDs...)
}

// UnmanageDevice unmanages an attached device. The device stays attached.
func (g *Gateway) UnmanageDevice(ctx context.Context, typeID, deviceID string) error {
	d, err := g.lookup(typeID, deviceID)
	if err != nil {
		return err
	}
	return d.Unmanage(ctx)
}

// RemoveDevice unmanages a managed device, closes its agent and detaches it.
func (g *Gateway) RemoveDevice(ctx context.Context, typeID, deviceID string) error {
	key := deviceKey(typeID, deviceID)
	g.mu.Lock()
	d, ok := g.devices[key]
	delete(g.devices, key)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}

	var errs []error
	if d.IsManaged() {
		if err := d.Unmanage(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.Close(); err != nil {
		errs = append(errs, err)
	}
	g.logger.WithField("device", key).Info("Device detached")
	return errors.Join(errs...)
}

// UnmanageAll unmanages every managed attached device concurrently, then
// the gateway. A failing device does not stop the others.
func (g *Gateway) UnmanageAll(ctx context.Context) error {
	var eg errgroup.Group
	for _, d := range g.Devices() {
		if !d.IsManaged() {
			continue
		}
		d := d
		eg.Go(func() error {
			if err := d.Unmanage(ctx); err != nil {
				return fmt.Errorf("failed to unmanage %s: %w", deviceKey(d.data.TypeID(), d.data.DeviceID()), err)
			}
			return nil
		})
	}
	err := eg.Wait()

	if g.IsManaged() {
		if uerr := g.Unmanage(ctx); uerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to unmanage gateway: %w", uerr))
		}
	}
	return err
}

// Close closes every attached device and then the gateway itself.
func (g *Gateway) Close() error {
	var eg errgroup.Group
	for _, d := range g.Devices() {
		d := d
		eg.Go(d.Close)
	}
	err := eg.Wait()

	if cerr := g.ManagedAgent.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if g.ownsBus {
		ctx, cancel := context.WithTimeout(context.Background(), g.ManagedAgent.cfg.Shutdown())
		defer cancel()
		if serr := g.opts.bus.Shutdown(ctx); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}
