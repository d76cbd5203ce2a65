package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Canonicalize produces deterministic bytes for an arbitrary JSON-shaped
// payload: object keys are sorted, and numbers are rendered with a stable
// representation. Two calls with the same logical payload (as produced by
// json.Marshal/Unmarshal round-tripping through map[string]any) always
// produce byte-identical output, which is the property the hash chain
// depends on.
func Canonicalize(payload any) ([]byte, error) {
	normalized, err := normalize(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return encode(normalized), nil
}

// normalize round-trips the payload through JSON so that struct values,
// maps, and slices are all reduced to the same generic representation
// (map[string]any, []any, json.Number/string/bool/nil), which is what makes
// canonical ordering possible regardless of the caller's concrete type.
func normalize(payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func encode(v any) []byte {
	var buf []byte
	buf = appendValue(buf, v)
	return buf
}

func appendValue(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if t {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case json.Number:
		return append(buf, t.String()...)
	case string:
		b, _ := json.Marshal(t)
		return append(buf, b...)
	case []any:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendValue(buf, e)
		}
		return append(buf, ']')
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
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendValue(buf, t[k])
		}
		return append(buf, '}')
	default:
		// Shouldn't happen post-normalize, but keep it deterministic.
		return append(buf, strconv.Quote(fmt.Sprint(t))...)
	}
}
