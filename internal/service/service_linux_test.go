//go:build linux

package service

import (
	"errors"
	"os"
	"strings"
	"testing"
)

type systemctlRecorder struct {
	calls []string
	fail  bool
}

func (r *systemctlRecorder) run(args ...string) error {
	r.calls = append(r.calls, strings.Join(args, " "))
	if r.fail {
		return errors.New("Failed to connect to bus")
	}
	return nil
}

func newTestService(t *testing.T, fail bool) (*linuxService, *systemctlRecorder) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	rec := &systemctlRecorder{fail: fail}
	return &linuxService{systemctl: rec.run}, rec
}

func TestServiceTemplate(t *testing.T) {
	out, err := render("service", serviceTemplate, unitData{ExecutablePath: "/usr/local/bin/pcsc-agent", Reader: "ACR1252"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"ExecStart=/usr/local/bin/pcsc-agent --no-tray",
		"After=pcscd.socket",
		"Environment=PCSC_AGENT_READER=ACR1252",
	} {
		if !strings.Contains(string(out), want) {
			t.Errorf("unit missing %q:\n%s", want, out)
		}
	}

	out, _ = render("service", serviceTemplate, unitData{ExecutablePath: "/x"})
	if strings.Contains(string(out), "Environment=") {
		t.Errorf("unit sets environment without a reader:\n%s", out)
	}
}

func TestLinuxService_InstallSystemd(t *testing.T) {
	svc, rec := newTestService(t, false)

	if status, _ := svc.Status(); status != "not installed" {
		t.Errorf("Status() = %q", status)
	}
	if err := svc.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !exists(svc.systemdServicePath()) || exists(svc.autostartPath()) {
		t.Error("expected a systemd unit and no autostart entry")
	}
	if last := rec.calls[len(rec.calls)-1]; last != "enable --now pcsc-agent.service" {
		t.Errorf("last systemctl call = %q", last)
	}
	if err := svc.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v", err)
	}
	if status, _ := svc.Status(); status != "running (systemd)" {
		t.Errorf("Status() = %q", status)
	}

	if err := svc.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if svc.IsInstalled() {
		t.Error("still installed after Uninstall")
	}
	if err := svc.Uninstall(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second Uninstall() error = %v", err)
	}
}

func TestLinuxService_FallsBackToAutostart(t *testing.T) {
	svc, _ := newTestService(t, true)

	if err := svc.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !exists(svc.autostartPath()) || exists(svc.systemdServicePath()) {
		t.Fatal("expected an autostart entry only")
	}
	data, err := os.ReadFile(svc.autostartPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "--no-tray") {
		t.Errorf("desktop entry:\n%s", data)
	}
	if err := svc.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
}
