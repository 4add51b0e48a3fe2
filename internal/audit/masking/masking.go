// Package masking redacts sensitive values from aggregator payloads before
// they are written to the transaction audit trail.
package masking

import (
	"encoding/json"
	"strings"
)

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"ssn":          {},
	"clientsecret": {},
	"secret":       {},
	"password":     {},
	"accesstoken":  {},
	"token":        {},
}

// MaskSecret redacts a secret while keeping the last four characters.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 4 {
		return maskToken
	}
	return maskToken + trimmed[len(trimmed)-4:]
}

// Sensitive reports whether a JSON key holds a value that must not be stored.
func Sensitive(key string) bool {
	k := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(key)))
	_, ok := sensitiveKeys[k]
	return ok
}

// MaskJSON returns a copy of input with the values of sensitive keys masked,
// at any depth.
func MaskJSON(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	masked := make(map[string]any, len(input))
	for key, value := range input {
		if Sensitive(key) {
			masked[key] = maskLeaf(value)
			continue
		}
		masked[key] = maskValue(value)
	}
	return masked
}

// MaskPayload masks a raw JSON document. Input that is not a JSON object or
// array is returned unchanged.
func MaskPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	switch doc.(type) {
	case map[string]any, []any:
	default:
		return raw
	}
	out, err := json.Marshal(maskValue(doc))
	if err != nil {
		return raw
	}
	return out
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case map[string]any:
		return MaskJSON(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item))
		}
		return out
	default:
		return value
	}
}

func maskLeaf(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case nil:
		return nil
	default:
		return maskToken
	}
}
