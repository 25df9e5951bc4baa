package sim

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationLevel grades a validation entry.
type ValidationLevel string

const (
	LevelError   ValidationLevel = "error"
	LevelWarning ValidationLevel = "warning"
)

// ValidationEntry is one (level, message) pair.
type ValidationEntry struct {
	Level   ValidationLevel
	Message string
}

// ErrorLog collects configuration problems found while building a run.
// Warnings are advisory; a run with errors must not start.
type ErrorLog struct {
	Entries []ValidationEntry
}

// Warnf records a warning and logs it.
func (l *ErrorLog) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.Entries = append(l.Entries, ValidationEntry{Level: LevelWarning, Message: msg})
	logrus.Warn(msg)
}

// Errorf records an error.
func (l *ErrorLog) Errorf(format string, args ...any) {
	l.Entries = append(l.Entries, ValidationEntry{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any error-level entry was recorded.
func (l *ErrorLog) HasErrors() bool {
	for _, e := range l.Entries {
		if e.Level == LevelError {
			return true
		}
	}
	return false
}

// Messages returns the messages recorded at the given level, in order.
func (l *ErrorLog) Messages(level ValidationLevel) []string {
	var out []string
	for _, e := range l.Entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Err folds the error-level entries into a single error, or nil.
func (l *ErrorLog) Err() error {
	errs := l.Messages(LevelError)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d validation error(s): %s", len(errs), strings.Join(errs, "; "))
}
