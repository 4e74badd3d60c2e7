package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "***"

var sensitiveKeyParts = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"authorization",
	"cookie",
}

// SanitizeFields masks values whose key, at any nesting depth, looks like a
// credential.
func SanitizeFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}

	out := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if IsSensitiveKey(field.Key) {
			out = append(out, zap.String(field.Key, redacted))
			continue
		}
		if !isStructured(field) {
			out = append(out, field)
			continue
		}

		enc := zapcore.NewMapObjectEncoder()
		field.AddTo(enc)
		value, ok := enc.Fields[field.Key]
		if !ok {
			out = append(out, field)
			continue
		}
		out = append(out, zap.Any(field.Key, redact(value)))
	}
	return out
}

func isStructured(field zap.Field) bool {
	switch field.Type {
	case zapcore.ReflectType, zapcore.ObjectMarshalerType, zapcore.ArrayMarshalerType, zapcore.InlineMarshalerType:
		return true
	}
	return false
}

func redact(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			if IsSensitiveKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = redact(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redact(item)
		}
		return out
	default:
		return value
	}
}

func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	normalized = strings.NewReplacer("-", "", "_", "").Replace(normalized)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(normalized, part) {
			return true
		}
	}
	return false
}
