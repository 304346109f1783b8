// Package settings persists user preferences as JSON in the user config dir.
package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`          // send crash reports to Sentry
	DefaultReader  string `json:"defaultReader,omitempty"` // reader name filter when none is configured
	DefaultKey     string `json:"defaultKey,omitempty"`    // MIFARE key (12 hex digits) used when a request supplies none
	WelcomeShown   bool   `json:"welcomeShown,omitempty"`
}

var (
	mu      sync.RWMutex
	current *Settings
)

// DefaultSettings returns the settings of a fresh install. Crash reporting
// is opt-in.
func DefaultSettings() *Settings {
	return &Settings{}
}

// path returns the settings file. PCSC_AGENT_CONFIG_DIR overrides the
// per-user config directory.
func path() (string, error) {
	if dir := os.Getenv("PCSC_AGENT_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "settings.json"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pcsc-agent", "settings.json"), nil
}

// Load (re)reads the settings from disk. A missing file yields the defaults
// without error; an unreadable one yields the defaults and the error.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	s, err := read()
	current = s
	return s, err
}

func read() (*Settings, error) {
	p, err := path()
	if err != nil {
		return DefaultSettings(), err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DefaultSettings(), err
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return DefaultSettings(), err
	}
	return s, nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	return write(current)
}

// write replaces the settings file atomically. The file may hold a card key,
// so it is readable by the owner only.
func write(s *Settings) error {
	p, err := path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".settings-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Get returns a copy of the settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	s := current
	mu.RUnlock()
	if s == nil {
		s, _ = Load()
	}
	return *s
}

// Update applies fn to the settings and saves them. The on-disk settings are
// loaded first if nothing was loaded yet.
func Update(fn func(*Settings)) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current, _ = read()
	}
	fn(current)
	return write(current)
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
