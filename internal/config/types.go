package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Secret holds a credential. Printing or JSON-encoding it yields a
// placeholder; Value is the only way to the plaintext.
type Secret string

const secretMask = "[REDACTED]"

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return secretMask
}

func (s Secret) String() string   { return s.masked() }
func (s Secret) GoString() string { return "config.Secret(" + secretMask + ")" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }

// Value returns the plaintext.
func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

// Duration is a non-negative time.Duration read from strings like "30s".
type Duration time.Duration

// UnmarshalText is what koanf calls for YAML and env values.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	switch {
	case err != nil:
		return err
	case v < 0:
		return fmt.Errorf("negative duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON keeps the config hash readable.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.Duration().String()) }

func (d Duration) Duration() time.Duration { return time.Duration(d) }
