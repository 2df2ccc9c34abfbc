// Package canonical provides the deterministic re-serialization primitive
// shared by persona signing and health-ping signing. Two values with the
// same semantics always produce the same canonical bytes: object keys are
// sorted at every nesting level and numeric leaves are rounded to 10-decimal
// precision, so key order or float noise never changes a signature.
package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

const floatPrecision = 1e10

// Canonicalize returns the canonical form of a decoded JSON value.
// Maps get canonicalized values (encoding/json sorts keys at marshal time),
// array element order is preserved, floats are rounded, primitives and nil
// pass through. Idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Canonicalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Canonicalize(elem)
		}
		return out
	case float64:
		return roundFloat(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return roundFloat(f)
	default:
		return v
	}
}

func roundFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	// Beyond this magnitude the mantissa has no sub-integer precision left.
	if math.Abs(f) >= 1e15 {
		return f
	}
	return math.Round(f*floatPrecision) / floatPrecision
}

// Marshal serializes any value (struct or decoded JSON) to canonical JSON
// bytes. Struct inputs are round-tripped through encoding/json first so that
// field tags and omitted fields behave exactly as they would on the wire.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(Canonicalize(decoded))
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}

// SignHMAC computes HMAC-SHA256 over the canonical JSON form of v using the
// given secret, returned as lowercase hex.
func SignHMAC(secret string, v any) (string, error) {
	payload, err := Marshal(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
