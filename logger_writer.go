package wsstream

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

type (
	logEntry struct {
		Level   string
		Message string
		Fields  map[string]any
	}

	logSink struct {
		mu      sync.Mutex
		writer  io.Writer
		entries []logEntry
	}

	// writerLogger implements Logger by writing plain lines to an io.Writer and keeping every
	// entry for later inspection.
	writerLogger struct {
		sink   *logSink
		fields map[string]any
	}
)

func newWriterLogger(writer io.Writer) *writerLogger {
	return &writerLogger{
		sink:   &logSink{writer: writer},
		fields: make(map[string]any),
	}
}

func (l *writerLogger) WithField(key string, value any) Logger {
	next := &writerLogger{
		sink:   l.sink,
		fields: make(map[string]any, len(l.fields)+1),
	}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	next.fields[key] = value
	return next
}

// Entries returns a snapshot of every entry logged through this logger or its children.
func (l *writerLogger) Entries() []logEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	res := make([]logEntry, len(l.sink.entries))
	copy(res, l.sink.entries)
	return res
}

// Contains reports whether some entry at level has a message containing substr.
func (l *writerLogger) Contains(level, substr string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func (l *writerLogger) formatFields() string {
	if len(l.fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(" [")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, l.fields[k])
	}
	sb.WriteString("]")
	return sb.String()
}

func (l *writerLogger) log(level, msg string) {
	msg = strings.TrimSuffix(msg, "\n")
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{Level: level, Message: msg, Fields: l.fields})
	if l.sink.writer != nil {
		fmt.Fprintf(l.sink.writer, "%s%s: %s\n", level, l.formatFields(), msg)
	}
}

func (l *writerLogger) Debug(args ...any) {
	l.log("DEBUG", fmt.Sprint(args...))
}

func (l *writerLogger) Debugf(format string, args ...any) {
	l.log("DEBUG", fmt.Sprintf(format, args...))
}

func (l *writerLogger) Debugln(args ...any) {
	l.log("DEBUG", fmt.Sprintln(args...))
}

func (l *writerLogger) Info(args ...any) {
	l.log("INFO", fmt.Sprint(args...))
}

func (l *writerLogger) Infof(format string, args ...any) {
	l.log("INFO", fmt.Sprintf(format, args...))
}

func (l *writerLogger) Infoln(args ...any) {
	l.log("INFO", fmt.Sprintln(args...))
}

func (l *writerLogger) Warn(args ...any) {
	l.log("WARN", fmt.Sprint(args...))
}

func (l *writerLogger) Warnf(format string, args ...any) {
	l.log("WARN", fmt.Sprintf(format, args...))
}

func (l *writerLogger) Warnln(args ...any) {
	l.log("WARN", fmt.Sprintln(args...))
}

func (l *writerLogger) Error(args ...any) {
	l.log("ERROR", fmt.Sprint(args...))
}

func (l *writerLogger) Errorf(format string, args ...any) {
	l.log("ERROR", fmt.Sprintf(format, args...))
}

func (l *writerLogger) Errorln(args ...any) {
	l.log("ERROR", fmt.Sprintln(args...))
}
