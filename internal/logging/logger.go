package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name into a Level. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatMonitor   Category = "monitor"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log record kept in memory.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`

	level Level
}

// Logger is a fixed-size ring buffer of log entries with an optional mirror writer.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	out      io.Writer
}

// New creates a Logger keeping at most capacity entries at or above minLevel.
func New(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(1000, LevelInfo)
)

// Init replaces the package logger. Entries logged before Init are dropped.
func Init(capacity int, level Level) {
	l := New(capacity, level)

	defaultMu.Lock()
	if defaultLogger != nil {
		l.out = defaultLogger.out
	}
	defaultLogger = l
	defaultMu.Unlock()
}

// SetOutput mirrors every accepted entry to w as a single text line. A nil
// writer disables mirroring.
func SetOutput(w io.Writer) {
	std().setOutput(w)
}

func std() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func (l *Logger) setOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	e := Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Data:     data,
		level:    level,
	}

	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}

	if l.out != nil {
		fmt.Fprintln(l.out, formatEntry(e))
	}
}

// Entries returns up to limit of the most recent entries at or above minLevel,
// oldest first. A limit <= 0 returns everything retained.
func (l *Logger) Entries(limit int, minLevel Level) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ordered []Entry
	if l.full {
		ordered = append(ordered, l.entries[l.next:]...)
	}
	ordered = append(ordered, l.entries[:l.next]...)

	var out []Entry
	for _, e := range ordered {
		if e.level >= minLevel {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops every retained entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next = 0
	l.full = false
}

func formatEntry(e Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s: %s", e.Time.Format(time.RFC3339), strings.ToUpper(e.Level), e.Category, e.Message)
	for _, k := range sortedKeys(e.Data) {
		fmt.Fprintf(&sb, " %s=%v", k, e.Data[k])
	}
	return sb.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Debug logs a debug-level entry.
func Debug(cat Category, msg string, data map[string]any) {
	std().log(LevelDebug, cat, msg, data)
}

// Info logs an info-level entry.
func Info(cat Category, msg string, data map[string]any) {
	std().log(LevelInfo, cat, msg, data)
}

// Warn logs a warning.
func Warn(cat Category, msg string, data map[string]any) {
	std().log(LevelWarn, cat, msg, data)
}

// Error logs an error-level entry.
func Error(cat Category, msg string, data map[string]any) {
	std().log(LevelError, cat, msg, data)
}

// GetEntries returns recent entries from the package logger.
func GetEntries(limit int, minLevel Level) []Entry {
	return std().Entries(limit, minLevel)
}

// Clear empties the package logger.
func Clear() {
	std().Clear()
}
