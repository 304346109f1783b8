package logging

import (
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/google/go-cmp/cmp"
)

func TestRedact(t *testing.T) {
	in := map[string]any{
		"key":        "FFFFFFFFFFFF",
		"keyA":       "A0A1A2A3A4A5",
		"defaultKey": "B0B1B2B3B4B5",
		"keyType":    "B",
		"reader":     "ACR122U",
		"sector":     1,
	}
	want := map[string]any{
		"key":        redacted,
		"keyA":       redacted,
		"defaultKey": redacted,
		"keyType":    "B",
		"reader":     "ACR122U",
		"sector":     1,
	}
	if diff := cmp.Diff(want, Redact(in)); diff != "" {
		t.Errorf("Redact() mismatch (-want +got):\n%s", diff)
	}
	if in["key"] != "FFFFFFFFFFFF" {
		t.Error("Redact() modified its input")
	}
	if Redact(nil) != nil {
		t.Error("Redact(nil) != nil")
	}
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{
		Extra:       map[string]any{"keyB": "010203040506"},
		Breadcrumbs: []*sentry.Breadcrumb{{Data: map[string]any{"key": "FFFFFFFFFFFF", "block": 4}}},
	}
	got := scrubEvent(event, nil)
	if got.Extra["keyB"] != redacted || got.Breadcrumbs[0].Data["key"] != redacted {
		t.Errorf("scrubEvent() left key material: %+v", got)
	}
	if got.Breadcrumbs[0].Data["block"] != 4 {
		t.Error("scrubEvent() dropped unrelated data")
	}
}

func TestInitSentry_DisabledWithoutDSN(t *testing.T) {
	t.Setenv("PCSC_AGENT_SENTRY", "1")
	t.Setenv("PCSC_AGENT_SENTRY_DSN", "")
	if InitSentry("test", true) {
		t.Error("InitSentry() enabled reporting without a DSN")
	}

	t.Setenv("PCSC_AGENT_SENTRY", "0")
	t.Setenv("PCSC_AGENT_SENTRY_DSN", "https://public@example.invalid/1")
	if InitSentry("test", true) {
		t.Error("InitSentry() ignored PCSC_AGENT_SENTRY=0")
	}
}
