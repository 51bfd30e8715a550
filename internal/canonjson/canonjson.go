// Package canonjson produces the canonical JSON encoding used for manifest
// signing: UTF-8, sorted object keys, no insignificant whitespace, integers
// without a decimal point, non-integers as the shortest round-trip decimal,
// and escaping only the characters JSON requires.
package canonjson

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v into canonical JSON bytes.
func Marshal(v any) ([]byte, error) {
	var buf strings.Builder
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func encode(buf *strings.Builder, v any) error {
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
		encodeString(buf, t)
	case float64:
		encodeNumber(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case map[string]any:
		return encodeObject(buf, t)
	case []any:
		return encodeArray(buf, t)
	default:
		// Fall back to round-tripping through encoding/json's decoder so
		// structs and other concrete types get normalized the same way
		// map[string]any/[]any would be.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return err
		}
		return encode(buf, generic)
	}
	return nil
}

func encodeObject(buf *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *strings.Builder, a []any) error {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeString(buf *strings.Builder, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeNumber(buf *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
