package agent

import (
	"time"

	"github.com/iotdm-go-sdk/pkg/dm"
)

// LeaseStatus is the data of the dm.managed, dm.unmanaged, dm.lease.renewed
// and dm.lease.failed events.
type LeaseStatus struct {
	Lifetime time.Duration
	Failures int
	Err      error
}

// ActionStatus is the data of dm.action.status events. BundleID and
// ActionID are set for custom actions only.
type ActionStatus struct {
	Action   string
	BundleID string
	ActionID string
	ReqID    string
	RC       dm.ResponseCode
	Message  string
}

// ResourceUpdate is the data of dm.resource.updated events, emitted once
// the server acknowledged a device-initiated change.
type ResourceUpdate struct {
	Path string
	RC   dm.ResponseCode
}
