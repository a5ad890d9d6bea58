package firmware

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/dm/action"
)

// Handler drives the firmware state machine with a Downloader and an Updater.
type Handler struct {
	downloader Downloader
	updater    Updater
	versions   VersionProvider
	progress   ProgressCallback
	logger     logrus.FieldLogger

	mu    sync.Mutex
	image []byte
	desc  Descriptor
}

type Option func(*Handler)

// WithVersionProvider records the name and version of every applied image.
func WithVersionProvider(p VersionProvider) Option {
	return func(h *Handler) { h.versions = p }
}

// WithProgress reports download progress.
func WithProgress(fn ProgressCallback) Option {
	return func(h *Handler) { h.progress = fn }
}

func NewHandler(downloader Downloader, updater Updater, opts ...Option) *Handler {
	h := &Handler{
		downloader: downloader,
		updater:    updater,
		logger:     logrus.WithField("component", "firmware"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) SetLogger(logger logrus.FieldLogger) {
	h.logger = logger
}

// DownloadFirmware fetches and verifies the image, leaving the firmware
// DOWNLOADED on success and IDLE with the failure status otherwise.
func (h *Handler) DownloadFirmware(ctx context.Context, fw *action.Firmware) {
	desc := fw.Descriptor()
	log := h.logger.WithFields(logrus.Fields{"uri": desc.URL, "version": desc.Version})

	data, err := h.fetch(ctx, desc)
	if err != nil {
		log.Errorf("Firmware download failed: %v", err)
		fw.Complete(action.StateIdle, StatusFor(err))
		return
	}

	h.mu.Lock()
	h.image, h.desc = data, desc
	h.mu.Unlock()

	log.Infof("Firmware downloaded (%d bytes)", len(data))
	fw.Complete(action.StateDownloaded, action.UpdateSuccess)
}

// UpdateFirmware applies the downloaded image. When nothing was downloaded
// for the current descriptor the image is fetched first.
func (h *Handler) UpdateFirmware(ctx context.Context, fw *action.Firmware) {
	desc := fw.Descriptor()
	log := h.logger.WithFields(logrus.Fields{"uri": desc.URL, "version": desc.Version})

	h.mu.Lock()
	data := h.image
	if h.desc.URL != desc.URL {
		data = nil
	}
	h.mu.Unlock()

	if data == nil {
		var err error
		if data, err = h.fetch(ctx, desc); err != nil {
			log.Errorf("Firmware download failed: %v", err)
			fw.Complete(action.StateIdle, StatusFor(err))
			return
		}
	}

	if err := h.apply(data); err != nil {
		log.Errorf("Firmware update failed: %v", err)
		fw.Complete(action.StateIdle, StatusFor(err))
		return
	}

	h.mu.Lock()
	h.image = nil
	h.desc = Descriptor{}
	h.mu.Unlock()

	if h.versions != nil {
		if err := h.versions.SetVersion(desc.Version); err != nil {
			log.Warnf("Failed to record firmware version: %v", err)
		}
		if desc.Name != "" {
			if err := h.versions.SetName(desc.Name); err != nil {
				log.Warnf("Failed to record firmware name: %v", err)
			}
		}
	}
	log.Info("Firmware updated")
	fw.Complete(action.StateIdle, action.UpdateSuccess)
}

func (h *Handler) fetch(ctx context.Context, desc Descriptor) ([]byte, error) {
	data, err := h.downloader.Download(ctx, desc, h.progress)
	if err != nil {
		return nil, err
	}
	if err := h.downloader.Verify(data, desc); err != nil {
		return nil, err
	}
	return data, nil
}

func (h *Handler) apply(data []byte) error {
	if !h.updater.CanUpdate() {
		return fmt.Errorf("%w: target is not writable", ErrUnsupportedImage)
	}
	if err := h.updater.PrepareUpdate(data); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}
	if err := h.updater.ExecuteUpdate(); err != nil {
		if rbErr := h.updater.Rollback(); rbErr != nil {
			h.logger.Errorf("Rollback failed: %v", rbErr)
		}
		return fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}
	return nil
}
