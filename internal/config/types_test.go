package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_Surfaces(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
		wantOK bool
	}{
		{"set", Secret("sk-ant-abc123"), "[REDACTED]", true},
		{"empty", Secret(""), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.String())
			assert.Equal(t, tt.want, fmt.Sprintf("%v", tt.secret))
			assert.NotContains(t, fmt.Sprintf("%#v", tt.secret), "sk-ant")
			assert.Equal(t, tt.wantOK, tt.secret.IsSet())
			assert.Equal(t, string(tt.secret), tt.secret.Value())

			data, err := json.Marshal(struct {
				Key Secret `json:"key"`
			}{tt.secret})
			require.NoError(t, err)
			assert.JSONEq(t, fmt.Sprintf(`{"key":%q}`, tt.want), string(data))
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   Duration
		want string
	}{
		{"seconds", Duration(45 * time.Second), `"45s"`},
		{"zero", Duration(0), `"0s"`},
		{"mixed", Duration(90 * time.Minute), `"1h30m0s"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}
