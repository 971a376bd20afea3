package audit

import "strings"

// Redacted replaces the value of any sensitive field.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"apikey",
	"creditcard",
	"cardnumber",
	"bankaccount",
	"accountnumber",
	"ssn",
	"aadhar",
	"aadhaar",
	"pan",
	"mfacode",
	"otp",
	"authorization",
	"cookie",
}

// IsSensitive reports whether a field name carries secret material. Matching
// ignores case and the separators "_" and "-", so refresh_token, refreshToken
// and Refresh-Token are all caught.
func IsSensitive(key string) bool {
	k := normalizeKey(key)
	for _, s := range sensitiveKeys {
		if s == "pan" || s == "otp" || s == "ssn" {
			if k == s || strings.HasSuffix(k, s+"number") {
				return true
			}
			continue
		}
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

// Redact returns a deep copy of fields with sensitive values replaced. Nested
// maps and slices are walked.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return Redact(m)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
