// Package service installs the agent as a per-user auto-start service.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "pcsc-agent"

var (
	ErrAlreadyInstalled = errors.New("auto-start service already installed")
	ErrNotInstalled     = errors.New("auto-start service not installed")
	ErrUnsupported      = errors.New("auto-start is not supported on this platform")
)

// Service manages the platform auto-start entry of the agent.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// unitData is passed to the service templates.
type unitData struct {
	Label          string
	ExecutablePath string
	LogPath        string
	WorkingDir     string
	Reader         string // PCSC_AGENT_READER at install time
}

// executablePath returns the resolved path of the running binary.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

func render(name, text string, data unitData) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", name, err)
	}
	return buf.Bytes(), nil
}

// writeFile renders a template into path, creating parent directories.
func writeFile(path, name, text string, data unitData) error {
	content, err := render(name, text, data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
