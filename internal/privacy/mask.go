package privacy

import (
	"strings"
)

const redacted = "***"

// Keys are compared after lowercasing and dropping '_' and '-', so
// "creditCard", "credit_card" and "CREDIT-CARD" all match.
var (
	maskKeys = keySet("email", "phone", "ssn", "creditCard", "password", "token",
		"secret", "apiKey", "ipAddress", "location", "address")
	removeKeys = keySet("email", "phone", "address", "location", "ipAddress",
		"actorProperties", "personalInfo", "contactInfo", "privateData")
)

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[normalizeKey(k)] = struct{}{}
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

func isMaskKey(k string) bool {
	_, ok := maskKeys[normalizeKey(k)]
	return ok
}

func isRemoveKey(k string) bool {
	_, ok := removeKeys[normalizeKey(k)]
	return ok
}

// Mask redacts a string value. Email-shaped values keep the first character of
// the local part and of the domain, other strings longer than four runes keep
// two runes on each side, anything else becomes "***".
func Mask(s string) string {
	if at := strings.Index(s, "@"); at > 0 && at < len(s)-1 {
		local, domain := []rune(s[:at]), []rune(s[at+1:])
		return string(local[0]) + "***@" + string(domain[0]) + "***"
	}
	r := []rune(s)
	if len(r) > 4 {
		return string(r[:2]) + "***" + string(r[len(r)-2:])
	}
	return redacted
}

func maskValue(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return Mask(s)
	}
	if v == nil {
		return nil
	}
	return redacted
}

// walk returns a copy of m with denylisted keys removed and/or masked at
// every depth. Removal wins over masking.
func walk(m map[string]interface{}, mask, remove bool) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case remove && isRemoveKey(k):
			continue
		case mask && isMaskKey(k):
			out[k] = maskValue(v)
		default:
			out[k] = walkValue(v, mask, remove)
		}
	}
	return out
}

func walkValue(v interface{}, mask, remove bool) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return walk(x, mask, remove)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = walkValue(x[i], mask, remove)
		}
		return out
	}
	return v
}
