package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	// MaxCrashLogs is the number of crash reports kept on disk.
	MaxCrashLogs = 20
	// CrashLogMaxAge is the age after which crash reports are removed.
	CrashLogMaxAge = 30 * 24 * time.Hour

	// crashLogEntries is how much of the ring buffer goes into a report.
	crashLogEntries = 25
)

// CrashLogDir returns the platform directory for crash reports.
// PCSC_AGENT_LOG_DIR overrides it.
func CrashLogDir() string {
	if dir := os.Getenv("PCSC_AGENT_LOG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "PCSC-Agent")
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "PCSC-Agent", "logs")
		}
		return filepath.Join(home, "PCSC-Agent", "logs")
	default:
		return filepath.Join(home, ".local", "share", "pcsc-agent", "logs")
	}
}

var (
	crashContextMu sync.Mutex
	crashContext   func() map[string]any
)

// SetCrashContext registers fn to describe the agent state (open readers,
// inserted cards) in crash reports. fn must not block.
func SetCrashContext(fn func() map[string]any) {
	crashContextMu.Lock()
	crashContext = fn
	crashContextMu.Unlock()
}

func currentCrashContext() (ctx map[string]any) {
	crashContextMu.Lock()
	fn := crashContext
	crashContextMu.Unlock()
	if fn == nil {
		return nil
	}
	// A crash report must not fail because the state snapshot panicked.
	defer func() {
		if r := recover(); r != nil {
			ctx = map[string]any{"error": fmt.Sprintf("crash context panicked: %v", r)}
		}
	}()
	return fn()
}

// WriteCrashLog writes a crash report to a timestamped file in CrashLogDir
// and prunes old reports. It returns the report path.
func WriteCrashLog(panicValue any, stack []byte) (string, error) {
	dir := CrashLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash log directory: %w", err)
	}

	path, err := writeCrashLogTo(dir, panicValue, stack)
	if err != nil {
		return "", err
	}
	go cleanupCrashLogsIn(dir, time.Now())
	return path, nil
}

func writeCrashLogTo(dir string, panicValue any, stack []byte) (string, error) {
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("crash_%s.log", now.Format("2006-01-02_15-04-05")))

	var sb strings.Builder
	sb.WriteString("PCSC Agent Crash Report\n=======================\n")
	fmt.Fprintf(&sb, "Time: %s\nGo Version: %s\nOS/Arch: %s/%s\n\n",
		now.Format(time.RFC3339), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Panic Value:\n%v\n\nStack Trace:\n%s\n", panicValue, stack)

	if ctx := currentCrashContext(); len(ctx) > 0 {
		sb.WriteString("\nAgent State:\n")
		for _, k := range sortedKeys(ctx) {
			fmt.Fprintf(&sb, "  %s: %v\n", k, ctx[k])
		}
	}

	if entries := GetEntries(crashLogEntries, LevelDebug); len(entries) > 0 {
		sb.WriteString("\nRecent Log:\n")
		for _, e := range entries {
			e.Data = Redact(e.Data)
			sb.WriteString("  " + formatEntry(e) + "\n")
		}
	}

	sb.WriteString("\nBuild Info:\n")
	if info, ok := debug.ReadBuildInfo(); ok {
		sb.WriteString(info.String())
	} else {
		sb.WriteString("Build info not available\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}
	return path, nil
}

// RecoverAndLog recovers a panic, reports it and optionally re-panics.
//
//	defer logging.RecoverAndLog("card monitor", false)
func RecoverAndLog(where string, rePanic bool) {
	if r := recover(); r != nil {
		handlePanic(where, r)
		if rePanic {
			panic(r)
		}
	}
}

// RecoverAndLogFunc is RecoverAndLog with a callback run after the report is
// written, before any re-panic.
func RecoverAndLogFunc(where string, rePanic bool, onPanic func(panicValue any, crashFile string)) {
	if r := recover(); r != nil {
		crashFile := handlePanic(where, r)
		if onPanic != nil {
			onPanic(r, crashFile)
		}
		if rePanic {
			panic(r)
		}
	}
}

// handlePanic reports r to Sentry, the ring buffer, a crash file and stderr.
// It returns the crash file path, empty if it could not be written.
func handlePanic(where string, r any) string {
	stack := debug.Stack()

	CapturePanic(r, stack, where)
	Error(CatSystem, fmt.Sprintf("PANIC in %s: %v", where, r), map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": string(stack),
	})

	crashFile, err := WriteCrashLog(r, stack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
		crashFile = ""
	} else {
		fmt.Fprintf(os.Stderr, "Crash log written to: %s\n", crashFile)
	}
	fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, r, stack)
	return crashFile
}

// CrashLogInfo describes a crash report file.
type CrashLogInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func isCrashLog(name string) bool {
	return strings.HasPrefix(name, "crash_") && strings.HasSuffix(name, ".log")
}

// crashLogs returns the crash reports in dir, oldest first.
func crashLogs(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		return e.IsDir() || !isCrashLog(e.Name())
	})
	// The timestamp in the name sorts chronologically.
	slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

// GetCrashLogs returns up to limit crash reports, newest first.
func GetCrashLogs(limit int) ([]CrashLogInfo, error) {
	dir := CrashLogDir()
	entries, err := crashLogs(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CrashLogInfo{}, nil
		}
		return nil, err
	}

	logs := []CrashLogInfo{}
	for i := len(entries) - 1; i >= 0 && len(logs) < limit; i-- {
		info, err := entries[i].Info()
		if err != nil {
			continue
		}
		logs = append(logs, CrashLogInfo{
			Name:    info.Name(),
			Path:    filepath.Join(dir, info.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return logs, nil
}

// ReadCrashLog returns the content of a crash report. filename must be a
// bare file name inside CrashLogDir.
func ReadCrashLog(filename string) (string, error) {
	if filepath.Base(filename) != filename || !isCrashLog(filename) {
		return "", fmt.Errorf("invalid crash log name %q", filename)
	}
	content, err := os.ReadFile(filepath.Join(CrashLogDir(), filename))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// cleanupCrashLogsIn keeps the newest MaxCrashLogs reports and removes any
// older than CrashLogMaxAge.
func cleanupCrashLogsIn(dir string, now time.Time) {
	entries, err := crashLogs(dir)
	if err != nil {
		return
	}
	for i, entry := range entries {
		expired := len(entries)-i > MaxCrashLogs
		if info, err := entry.Info(); err == nil && now.Sub(info.ModTime()) > CrashLogMaxAge {
			expired = true
		}
		if expired {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
