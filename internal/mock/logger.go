package mock

import (
	"fmt"
	"sync"

	"gridmaker/internal/core"
)

// Logger is a no-op core.ILogger that keeps messages for assertions
type Logger struct {
	mu       *sync.Mutex
	messages *[]string
}

// NewLogger returns a recording no-op logger
func NewLogger() *Logger {
	return &Logger{mu: &sync.Mutex{}, messages: &[]string{}}
}

func (l *Logger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.messages = append(*l.messages, fmt.Sprintf("%s %s", level, msg))
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.record("DEBUG", msg) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.record("INFO", msg) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.record("WARN", msg) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.record("ERROR", msg) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.record("FATAL", msg) }

func (l *Logger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// Messages returns a copy of everything logged so far, prefixed by level
func (l *Logger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(*l.messages))
	copy(out, *l.messages)
	return out
}

// Count returns how many messages were logged at level
func (l *Logger) Count(level string) int {
	n := 0
	for _, m := range l.Messages() {
		if len(m) > len(level) && m[:len(level)] == level {
			n++
		}
	}
	return n
}
