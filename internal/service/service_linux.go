//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// systemd user service, started with the user session once pcscd is up
	serviceTemplate = `[Unit]
Description=PC/SC Agent - local smart card reader service
Wants=pcscd.socket
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}} --no-tray
Restart=on-failure
RestartSec=5
{{- if .Reader}}
Environment=PCSC_AGENT_READER={{.Reader}}
{{- end}}

[Install]
WantedBy=default.target
`

	// XDG autostart entry, used when there is no systemd user instance
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=PC/SC Agent
Comment=Local smart card reader service for web applications
Exec={{.ExecutablePath}} --no-tray
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`
)

type linuxService struct {
	// systemctl runs systemctl --user; replaced in tests.
	systemctl func(args ...string) error
}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{systemctl: runSystemctl}
}

func runSystemctl(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func (s *linuxService) systemdServicePath() string {
	return filepath.Join(configHome(), "systemd", "user", appName+".service")
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(configHome(), "autostart", appName+".desktop")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	data := unitData{ExecutablePath: execPath, Reader: os.Getenv("PCSC_AGENT_READER")}

	if err := s.systemctl("daemon-reload"); err != nil {
		// No systemd user instance, fall back to the desktop session
		return writeFile(s.autostartPath(), "desktop", desktopTemplate, data)
	}

	if err := writeFile(s.systemdServicePath(), "service", serviceTemplate, data); err != nil {
		return err
	}
	if err := s.systemctl("daemon-reload"); err != nil {
		return err
	}
	return s.systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if exists(s.systemdServicePath()) {
		// Ignore errors if the unit is not loaded
		_ = s.systemctl("disable", "--now", appName+".service")
		if err := os.Remove(s.systemdServicePath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove service file: %w", err)
		}
		_ = s.systemctl("daemon-reload")
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}
	return nil
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.systemdServicePath()) || exists(s.autostartPath())
}

func (s *linuxService) Status() (string, error) {
	switch {
	case exists(s.systemdServicePath()):
		if err := s.systemctl("is-active", "--quiet", appName+".service"); err == nil {
			return "running (systemd)", nil
		}
		return "installed (systemd) but not running", nil
	case exists(s.autostartPath()):
		if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
			return "running (autostart)", nil
		}
		return "installed (autostart) but not running", nil
	}
	return "not installed", nil
}
