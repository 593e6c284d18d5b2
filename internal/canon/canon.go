// Package canon implements the canonical serialization used to hash and sign
// registry records: JSON with keys sorted lexicographically at every depth,
// no insignificant whitespace, and a fixed number formatting convention.
//
// Number formatting resolves the spec's open question: integers serialize
// without a decimal point or exponent; every other float serializes via
// strconv.FormatFloat(f, 'g', -1, 64). NaN and Inf are rejected at the
// boundary since neither has a canonical JSON form.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal produces the canonical byte form of v. v is first round-tripped
// through encoding/json to obtain a generic representation (map[string]any,
// []any, string, json.Number, bool, nil), then re-encoded deterministically.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}
	generic, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(raw))
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// MustMarshal panics on error; intended for use with values already known to
// be JSON-representable (tests, constants).
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return appendCanonicalNumber(buf, t)
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canon: encode string: %w", err)
		}
		return append(buf, enc...), nil
	case []any:
		buf = append(buf, '[')
		for i, elem := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, elem)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("canon: encode key: %w", err)
			}
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}

func appendCanonicalNumber(buf []byte, n json.Number) ([]byte, error) {
	s := string(n)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.AppendInt(buf, i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canon: invalid number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canon: number %q is not finite", s)
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64), nil
}

// Parse decodes canonical (or any valid) JSON back into a generic value
// suitable for re-marshaling with Marshal. Exposed for the canon involution
// test (P8): canonicalize(parse(canonicalize(r))) == canonicalize(r).
func Parse(data []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: parse: %w", err)
	}
	return v, nil
}
