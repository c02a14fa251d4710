package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry down to Trace for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a Logger backed by an in-memory observer. No
// redaction is applied so tests can check what callers hand to the logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return
		}
	}
	tb.Errorf("no %v entry containing %q; have %d entries", level, msg, t.observed.Len())
}

// AssertField fails tb unless an entry with message msg carries key=want.
// Integer fields should be checked through ContextMap instead.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		for _, f := range e.Context {
			if f.Key != key {
				continue
			}
			if f.Type == zapcore.StringType && f.String == want {
				return
			}
			if reflect.DeepEqual(f.Interface, want) {
				return
			}
		}
	}
	tb.Errorf("no %q entry with %s=%v", msg, key, want)
}

// AssertNoSecrets checks every recorded entry against the default
// redaction rules. Sensitive keys must hold a [REDACTED...] marker and no
// message or string value may match a secret pattern.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	rc := NewDefaultConfig().Redaction
	patterns := make([]*regexp.Regexp, 0, len(rc.Patterns))
	for _, p := range rc.Patterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	leaks := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
	sensitive := func(key string) bool {
		key = strings.ToLower(key)
		for _, k := range rc.Fields {
			if strings.Contains(key, k) {
				return true
			}
		}
		return false
	}

	for _, e := range t.observed.All() {
		if leaks(e.Message) {
			tb.Errorf("secret in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if sensitive(f.Key) && f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
				tb.Errorf("field %q not redacted: %q", f.Key, f.String)
			}
			if leaks(f.String) {
				tb.Errorf("secret in field %q: %q", f.Key, f.String)
			}
		}
	}
}
