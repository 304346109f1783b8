//go:build darwin

package service

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func newTestDarwin(t *testing.T, fail bool) (*darwinService, *[]string) {
	t.Helper()
	var calls []string
	s := &darwinService{
		home: t.TempDir(),
		launchctl: func(args ...string) (string, error) {
			calls = append(calls, strings.Join(args, " "))
			if fail {
				return "", errors.New("launchctl unavailable")
			}
			if args[0] == "list" {
				return `{ "PID" = 42; "Label" = "` + launchAgentLabel + `"; };`, nil
			}
			return "", nil
		},
	}
	return s, &calls
}

func TestDarwinInstallUninstall(t *testing.T) {
	s, calls := newTestDarwin(t, false)

	if err := s.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	plist, err := os.ReadFile(s.plistPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(plist), "<string>"+launchAgentLabel+"</string>") {
		t.Errorf("plist missing label:\n%s", plist)
	}
	if err := s.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v", err)
	}
	if status, _ := s.Status(); status != "running" {
		t.Errorf("Status() = %q", status)
	}

	if err := s.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if s.IsInstalled() {
		t.Error("plist still present after Uninstall")
	}
	want := []string{"load -w " + s.plistPath(), "list " + launchAgentLabel, "unload -w " + s.plistPath()}
	if strings.Join(*calls, "|") != strings.Join(want, "|") {
		t.Errorf("launchctl calls = %q, want %q", *calls, want)
	}
}

func TestDarwinInstallRollsBackOnLoadFailure(t *testing.T) {
	s, _ := newTestDarwin(t, true)

	if err := s.Install(); err == nil {
		t.Fatal("Install() succeeded although launchctl failed")
	}
	if s.IsInstalled() {
		t.Error("plist left behind after failed load")
	}
}
