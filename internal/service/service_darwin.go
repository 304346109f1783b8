//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	launchAgentLabel = "com.simplyprint.pcsc-agent"

	// Restarted after crashes but not after a clean quit from the tray.
	plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ProcessType</key>
    <string>Interactive</string>
{{- if .Reader}}
    <key>EnvironmentVariables</key>
    <dict>
        <key>PCSC_AGENT_READER</key>
        <string>{{.Reader}}</string>
    </dict>
{{- end}}
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/pcsc-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/pcsc-agent.err</string>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`
)

type darwinService struct {
	home string
	// launchctl runs launchctl and returns its output; replaced in tests.
	launchctl func(args ...string) (string, error)
}

// New creates a new platform-specific service manager
func New() Service {
	home, _ := os.UserHomeDir()
	return &darwinService{home: home, launchctl: runLaunchctl}
}

func runLaunchctl(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("launchctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logDir() string {
	return filepath.Join(s.home, "Library", "Logs", "PCSC-Agent")
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.logDir(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data := unitData{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		LogPath:        s.logDir(),
		WorkingDir:     filepath.Dir(execPath),
		Reader:         os.Getenv("PCSC_AGENT_READER"),
	}
	if err := writeFile(s.plistPath(), "plist", plistTemplate, data); err != nil {
		return err
	}

	if _, err := s.launchctl("load", "-w", s.plistPath()); err != nil {
		_ = os.Remove(s.plistPath())
		return fmt.Errorf("failed to load launch agent: %w", err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Not loaded is fine, the plist is what makes it start at login.
	_, _ = s.launchctl("unload", "-w", s.plistPath())

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	return exists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, err := s.launchctl("list", launchAgentLabel)
	if err != nil {
		return "installed but not running", nil
	}
	// launchctl list <label> prints "PID" = n; while the agent runs.
	if strings.Contains(out, `"PID"`) {
		return "running", nil
	}
	return "installed", nil
}
