// Package firmware provides a ready-made firmware handler for managed
// devices: images are downloaded over HTTP, checked against the verifier
// supplied by the server, and applied by swapping files with a backup.
package firmware

import (
	"context"
	"errors"

	"github.com/iotdm-go-sdk/pkg/dm/action"
)

var (
	ErrInvalidURI         = errors.New("firmware: invalid uri")
	ErrConnectionLost     = errors.New("firmware: connection lost")
	ErrVerificationFailed = errors.New("firmware: verification failed")
	ErrUnsupportedImage   = errors.New("firmware: unsupported image")
	ErrOutOfMemory        = errors.New("firmware: image too large")
)

// Descriptor identifies the image requested by the server
type Descriptor = action.Descriptor

// ProgressCallback is called during download progress
type ProgressCallback func(current, total int64, percentage float64)

// Downloader fetches and checks firmware images
type Downloader interface {
	Download(ctx context.Context, d Descriptor, progress ProgressCallback) ([]byte, error)
	Verify(data []byte, d Descriptor) error
}

// Updater applies a downloaded image
type Updater interface {
	CanUpdate() bool
	PrepareUpdate(data []byte) error
	ExecuteUpdate() error
	Rollback() error
}

// VersionProvider records the firmware currently installed
type VersionProvider interface {
	GetVersion() string
	SetVersion(version string) error
	GetName() string
	SetName(name string) error
}

// StatusFor maps a download or apply error to the update status reported
// to the server.
func StatusFor(err error) action.UpdateStatus {
	switch {
	case err == nil:
		return action.UpdateSuccess
	case errors.Is(err, ErrInvalidURI):
		return action.UpdateInvalidURI
	case errors.Is(err, ErrVerificationFailed):
		return action.UpdateVerificationFailed
	case errors.Is(err, ErrOutOfMemory):
		return action.UpdateOutOfMemory
	case errors.Is(err, ErrConnectionLost), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return action.UpdateConnectionLost
	}
	return action.UpdateUnsupportedImage
}
