package firmware

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// VersionInfo stores the installed firmware name and version
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FileVersionProvider keeps VersionInfo in a JSON file
type FileVersionProvider struct {
	versionFile string
	cache       VersionInfo
	mu          sync.RWMutex
}

// NewFileVersionProvider loads versionFile, defaulting to version 1.0.0
func NewFileVersionProvider(versionFile string) *FileVersionProvider {
	p := &FileVersionProvider{versionFile: versionFile}
	p.load()
	return p
}

func (p *FileVersionProvider) load() {
	p.cache = VersionInfo{Version: "1.0.0"}

	data, err := os.ReadFile(p.versionFile)
	if err != nil {
		return
	}
	var info VersionInfo
	if err := json.Unmarshal(data, &info); err == nil {
		p.cache = info
		return
	}
	// plain text file holding only the version
	p.cache.Version = strings.TrimSpace(string(data))
}

func (p *FileVersionProvider) save() error {
	data, err := json.MarshalIndent(p.cache, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.versionFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.versionFile, data, 0o644)
}

func (p *FileVersionProvider) GetVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Version
}

func (p *FileVersionProvider) SetVersion(version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Version = version
	return p.save()
}

func (p *FileVersionProvider) GetName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache.Name
}

func (p *FileVersionProvider) SetName(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Name = name
	return p.save()
}
