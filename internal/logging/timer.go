package logging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TIMER
// =============================================================================

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	label    string
	start    time.Time
}

// StartTimer begins timing a labeled operation.
func StartTimer(category Category, label string) *Timer {
	Get(category).Debug("%s: started", label)
	return &Timer{category: category, label: label, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s: completed in %v", t.label, elapsed)
	return elapsed
}

// StopWithInfo logs the elapsed time at info level with extra context.
func (t *Timer) StopWithInfo(format string, args ...interface{}) time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s: completed in %v — %s", t.label, elapsed, fmt.Sprintf(format, args...))
	return elapsed
}

// StopWithThreshold logs at warn level when the elapsed time exceeds the
// threshold, debug otherwise. Used to flag slow language or sandbox calls.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s: slow — %v (threshold %v)", t.label, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s: completed in %v", t.label, elapsed)
	}
	return elapsed
}

// =============================================================================
// REQUEST LOGGER
// =============================================================================

// RequestLogger stamps every record with a correlation id so one planner
// run or HTTP request can be traced across categories.
type RequestLogger struct {
	category  Category
	requestID string
	fields    string
}

// NewRequestLogger creates a RequestLogger with a fresh correlation id.
func NewRequestLogger(category Category) *RequestLogger {
	return &RequestLogger{category: category, requestID: shortID()}
}

// WithRequestID returns a RequestLogger bound to an existing correlation id.
func WithRequestID(category Category, requestID string) *RequestLogger {
	if requestID == "" {
		requestID = shortID()
	}
	return &RequestLogger{category: category, requestID: requestID}
}

// RequestID returns the bound correlation id.
func (r *RequestLogger) RequestID() string { return r.requestID }

// WithField returns a copy carrying an extra key=value annotation.
func (r *RequestLogger) WithField(key, value string) *RequestLogger {
	return &RequestLogger{
		category:  r.category,
		requestID: r.requestID,
		fields:    r.fields + fmt.Sprintf(" %s=%s", key, value),
	}
}

func (r *RequestLogger) prefix(msg string) string {
	return fmt.Sprintf("[req:%s]%s %s", r.requestID, r.fields, msg)
}

// Debug logs at debug level with the correlation prefix.
func (r *RequestLogger) Debug(format string, args ...interface{}) {
	Get(r.category).Debug("%s", r.prefix(fmt.Sprintf(format, args...)))
}

// Info logs at info level with the correlation prefix.
func (r *RequestLogger) Info(format string, args ...interface{}) {
	Get(r.category).Info("%s", r.prefix(fmt.Sprintf(format, args...)))
}

// Warn logs at warn level with the correlation prefix.
func (r *RequestLogger) Warn(format string, args ...interface{}) {
	Get(r.category).Warn("%s", r.prefix(fmt.Sprintf(format, args...)))
}

// Error logs at error level with the correlation prefix.
func (r *RequestLogger) Error(format string, args ...interface{}) {
	Get(r.category).Error("%s", r.prefix(fmt.Sprintf(format, args...)))
}

func shortID() string {
	return uuid.NewString()[:8]
}
