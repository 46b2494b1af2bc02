package logging

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/rosterd/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Secret creates a field for a config.Secret showing only its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val.Value())))
}

// redactingEncoder masks string values of sensitive keys.
type redactingEncoder struct {
	zapcore.Encoder
	keys map[string]bool
}

func newRedactingEncoder(base zapcore.Encoder, keys []string) zapcore.Encoder {
	if len(keys) == 0 {
		return base
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[strings.ToLower(k)] = true
	}
	return &redactingEncoder{Encoder: base, keys: m}
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.keys[strings.ToLower(key)] {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys}
}
