package logger

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted replaces the value of every sensitive field.
const Redacted = "[REDACTED]"

var sensitiveKeywords = []string{
	"password",
	"token",
	"secret",
	"key",
	"auth",
	"cookie",
	"session",
	"credential",
	"bearer",
}

// envelope fields are written by the logger itself and never redacted.
var envelopeKeys = map[string]bool{
	string(RequestIdKey): true,
	string(UserIdKey):    true,
	string(SessionIdKey): true,
	string(ActionKey):    true,
	"service":            true,
	"component":          true,
}

// IsSensitiveKey reports whether a field name matches the redaction list.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core so every field is scrubbed before encoding.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(RedactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, RedactFields(fields))
}

// RedactFields returns a copy of fields with sensitive values replaced.
func RedactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case envelopeKeys[f.Key]:
			out[i] = f
		case IsSensitiveKey(f.Key):
			out[i] = zap.String(f.Key, Redacted)
		case f.Type == zapcore.ReflectType:
			out[i] = zap.Any(f.Key, RedactValue(f.Interface))
		default:
			out[i] = f
		}
	}
	return out
}

// RedactValue walks maps, slices and structs to any depth and replaces the
// values of sensitive keys. Structs are flattened through their JSON form.
func RedactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = RedactValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = RedactValue(val)
		}
		return out
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time, time.Duration, error:
		return v
	}

	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return v
		}
		return RedactValue(generic)
	default:
		return v
	}
}
