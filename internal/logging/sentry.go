package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// InitSentry enables crash reporting. It is opt-in: the user setting or
// PCSC_AGENT_SENTRY=1 turns it on, PCSC_AGENT_SENTRY=0 forces it off, and
// nothing is sent without PCSC_AGENT_SENTRY_DSN. Returns true if enabled.
func InitSentry(version string, crashReportingEnabled bool) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("PCSC_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	dsn := os.Getenv("PCSC_AGENT_SENTRY_DSN")
	if !enabled || dsn == "" {
		return false
	}

	env := os.Getenv("PCSC_AGENT_ENVIRONMENT")
	if env == "" {
		env = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "pcsc-agent@" + version,
		Environment:      env,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		Warn(CatSystem, "Sentry init failed", map[string]any{"error": err.Error()})
		return false
	}

	sentryEnabled = true
	return true
}

// SentryEnabled reports whether crash reporting is active.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry waits up to timeout for buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic reports a recovered panic and flushes immediately.
func CapturePanic(panicValue any, stack []byte, where string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(panicValue))
		}
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err. A "reader" entry in data becomes a tag; other
// entries are attached as redacted extras.
func CaptureError(err error, where string, data map[string]any) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", where)
		applyData(scope, data)
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports a message at level.
func CaptureMessage(message string, level sentry.Level, data map[string]any) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		applyData(scope, data)
		sentry.CaptureMessage(message)
	})
}

func applyData(scope *sentry.Scope, data map[string]any) {
	for k, v := range Redact(data) {
		if k == "reader" {
			scope.SetTag("reader", fmt.Sprint(v))
			continue
		}
		scope.SetExtra(k, v)
	}
}

// scrubEvent drops key material that slipped into extras or breadcrumbs.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.Extra = Redact(event.Extra)
	for _, b := range event.Breadcrumbs {
		b.Data = Redact(b.Data)
	}
	return event
}

const redacted = "[redacted]"

// Redact returns a copy of data with MIFARE key material replaced. Fields
// named like a key ("key", "keyA", "defaultKey") are masked; "keyType" and
// "keySlot" only name the slot and are kept.
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isKeyField(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func isKeyField(name string) bool {
	n := strings.ToLower(name)
	if n == "keytype" || n == "keyslot" {
		return false
	}
	return strings.HasPrefix(n, "key") || strings.HasSuffix(n, "key")
}
