package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/stagextract/internal/config"
)

// maxPatternLen bounds user-supplied redaction patterns.
const maxPatternLen = 200

const redacted = "[REDACTED]"

func redactedLen(n int) string { return "[REDACTED:" + strconv.Itoa(n) + "]" }

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, secretField{key: key, val: val})
}

type secretField struct {
	key string
	val config.Secret
}

func (s secretField) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, redactedLen(len(s.val.Value())))
	return nil
}

// RedactedString logs only the length of val. Use it for note text and
// prompts when the size matters for debugging.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, redactedLen(len(val)))
}

// rules decide which keys and values are masked.
type rules struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func compileRules(cfg RedactionConfig) (*rules, error) {
	r := &rules{keys: make(map[string]bool, len(cfg.Fields))}
	if !cfg.Enabled {
		return r, nil
	}
	for _, f := range cfg.Fields {
		r.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *rules) sensitive(key string) bool { return r.keys[strings.ToLower(key)] }

// maskString returns the replacement for a string value, if any.
func (r *rules) maskString(key, val string) (string, bool) {
	if r.sensitive(key) {
		return redactedLen(len(val)), true
	}
	for _, re := range r.patterns {
		if re.MatchString(val) {
			return "[REDACTED:pattern]", true
		}
	}
	return "", false
}

// RedactingEncoder masks sensitive fields before the wrapped encoder sees
// them. Sensitive strings keep their length; structured values are
// replaced whole.
type RedactingEncoder struct {
	zapcore.Encoder
	rules *rules
}

// NewRedactingEncoder wraps base with the redaction rules of cfg.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	r, err := compileRules(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, rules: r}, nil
}

func (e *RedactingEncoder) AddString(key, val string) {
	if masked, ok := e.rules.maskString(key, val); ok {
		val = masked
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.rules.sensitive(key) {
		e.Encoder.AddString(key, redactedLen(len(val)))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.rules.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.rules.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.rules.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.rules.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
}

// EncodeEntry routes per-call fields through the masking Add methods.
// The wrapped encoder would otherwise serialize them directly.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clone := &RedactingEncoder{Encoder: e.Encoder.Clone(), rules: e.rules}
	for _, f := range fields {
		f.AddTo(clone)
	}
	return clone.Encoder.EncodeEntry(ent, nil)
}
