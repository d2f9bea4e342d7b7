// Package canonical produces the byte form that content hashes are computed
// over.
//
// Canonical JSON is: every string NFC-normalized, mapping keys sorted
// lexicographically at every level, list order preserved, minimum whitespace,
// and numbers emitted without trailing zeros. The transform is pure: repeated
// calls on the same value yield byte-identical output, which is what makes
// lake paths and dedupe hashes stable across processes and re-runs.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Marshal renders v as canonical JSON bytes.
//
// v may be any JSON-shaped value: maps, slices, strings, numbers, booleans,
// nil, or any struct that encoding/json can marshal (structs pass through a
// JSON round-trip so their keys sort like plain maps).
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash computes the SHA-256 over the canonical bytes of v.
func Hash(v any) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// HashHex computes the lowercase hex SHA-256 over the canonical bytes of v.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// HashBytes computes the lowercase hex SHA-256 over raw bytes.
// Use for payloads that are already in their final byte form.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// normalize reduces v to the JSON data model: map[string]any, []any, string,
// json.Number, bool, nil. Strings are NFC-normalized, including map keys.
// Structs and exotic map types round-trip through encoding/json.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		return t, nil
	case int:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(t), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(t, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(t, 10)), nil
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case []byte:
		// Byte slices are treated as strings, matching encoding/json would
		// base64 them; callers hash raw bytes via HashBytes instead.
		return norm.NFC.String(string(t)), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Structs, typed maps, typed slices: round-trip through
		// encoding/json, then normalize the generic form.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonical: unsupported value: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canonical: decode round-trip: %w", err)
		}
		return normalize(generic)
	}
}

// normalizeFloat renders a float in its minimal decimal form.
// NaN and infinities have no JSON representation and are rejected.
func normalizeFloat(f float64) (json.Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("canonical: non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// encode writes the normalized value as minimum-whitespace JSON with sorted
// keys.
func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical: unexpected normalized type %T", v)
	}
	return nil
}

// encodeString emits a JSON string without HTML escaping.
func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder appends a newline; strip it to keep minimum whitespace.
	buf.Truncate(buf.Len() - 1)
	return nil
}
