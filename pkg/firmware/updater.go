package firmware

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileUpdater installs an image as a file, keeping the previous one as a
// backup until the next update.
type FileUpdater struct {
	targetPath string
	backupPath string
	tempPath   string
	mode       os.FileMode
	logger     logrus.FieldLogger
}

// NewFileUpdater creates an updater for the image at targetPath
func NewFileUpdater(targetPath string, mode os.FileMode) *FileUpdater {
	return &FileUpdater{
		targetPath: targetPath,
		backupPath: targetPath + ".backup",
		tempPath:   targetPath + ".new",
		mode:       mode,
		logger:     logrus.WithField("component", "firmware"),
	}
}

func (u *FileUpdater) SetLogger(logger logrus.FieldLogger) {
	u.logger = logger
}

// CanUpdate checks that the target directory is writable
func (u *FileUpdater) CanUpdate() bool {
	dir := filepath.Dir(u.targetPath)

	testFile := filepath.Join(dir, ".firmware_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		u.logger.Warnf("Cannot update: no write permission in %s", dir)
		return false
	}
	os.Remove(testFile)
	return true
}

// PrepareUpdate stages the new image next to the target
func (u *FileUpdater) PrepareUpdate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty image", ErrUnsupportedImage)
	}
	if err := os.WriteFile(u.tempPath, data, u.mode); err != nil {
		return fmt.Errorf("failed to stage image: %w", err)
	}
	u.logger.WithField("path", u.tempPath).Infof("Staged firmware image (%d bytes)", len(data))
	return nil
}

// ExecuteUpdate backs up the current image and moves the staged one in place
func (u *FileUpdater) ExecuteUpdate() error {
	if _, err := os.Stat(u.tempPath); err != nil {
		return fmt.Errorf("no staged image: %w", err)
	}

	os.Remove(u.backupPath)
	if _, err := os.Stat(u.targetPath); err == nil {
		if err := os.Rename(u.targetPath, u.backupPath); err != nil {
			return fmt.Errorf("failed to back up current image: %w", err)
		}
	}

	if err := os.Rename(u.tempPath, u.targetPath); err != nil {
		return fmt.Errorf("failed to install image: %w", err)
	}
	u.logger.WithField("path", u.targetPath).Info("Firmware image installed")
	return nil
}

// Rollback restores the backup taken by the last ExecuteUpdate
func (u *FileUpdater) Rollback() error {
	os.Remove(u.tempPath)

	if _, err := os.Stat(u.backupPath); os.IsNotExist(err) {
		return fmt.Errorf("backup file does not exist")
	}
	if err := os.Rename(u.backupPath, u.targetPath); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	u.logger.WithField("path", u.targetPath).Warn("Rolled back to previous image")
	return nil
}
