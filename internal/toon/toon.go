// Package toon renders JSON-shaped values in TOON, a compact tabular text
// encoding that costs a model noticeably fewer tokens than JSON.
//
//	name: John
//	items:
//	  [2] {id, name}
//	  1, Alice
//	  2, Bob
package toon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Marshal encodes v (anything encoding/json accepts) as TOON. Object keys keep
// their JSON order: struct field order, sorted map keys.
func Marshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return FromJSON(raw)
}

// FromJSON encodes a JSON document as TOON.
func FromJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	node, err := decode(dec)
	if err != nil {
		return "", fmt.Errorf("toon: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("toon: trailing data after document")
	}
	return format(node), nil
}

type field struct {
	key string
	val any
}

// object keeps keys in document order.
type object []field

func (o object) keySet() string {
	keys := make([]string, len(o))
	for i, f := range o {
		keys[i] = f.key
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x00")
}

func (o object) get(key string) any {
	for _, f := range o {
		if f.key == key {
			return f.val
		}
	}
	return nil
}

func decode(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := object{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decode(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, field{key, val})
			}
			_, err := dec.Token()
			return obj, err
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decode(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			_, err := dec.Token()
			return arr, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return tok, nil
	}
}

func format(v any) string {
	switch t := v.(type) {
	case object:
		return formatObject(t)
	case []any:
		return formatArray(t)
	default:
		return scalar(v)
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case json.Number:
		return t.String()
	case string:
		return quote(t)
	default:
		return compactJSON(v)
	}
}

// quote JSON-quotes strings that are empty or contain structural characters.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, ",\n:[]{}") {
		return jsonString(s)
	}
	return s
}

func jsonString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

func formatArray(arr []any) string {
	if len(arr) == 0 {
		return "[]"
	}
	if rows, ok := uniformObjects(arr); ok {
		return formatTable(rows)
	}

	lines := []string{fmt.Sprintf("[%d]", len(arr))}
	for _, item := range arr {
		for _, line := range strings.Split(format(item), "\n") {
			lines = append(lines, "  "+line)
		}
	}
	return strings.Join(lines, "\n")
}

func uniformObjects(arr []any) ([]object, bool) {
	rows := make([]object, len(arr))
	var keys string
	for i, item := range arr {
		obj, ok := item.(object)
		if !ok {
			return nil, false
		}
		if i == 0 {
			keys = obj.keySet()
		} else if obj.keySet() != keys {
			return nil, false
		}
		rows[i] = obj
	}
	return rows, true
}

func formatTable(rows []object) string {
	header := make([]string, len(rows[0]))
	for i, f := range rows[0] {
		header[i] = f.key
	}

	lines := []string{fmt.Sprintf("[%d] {%s}", len(rows), strings.Join(header, ", "))}
	for _, row := range rows {
		cells := make([]string, len(header))
		for i, key := range header {
			cells[i] = cell(row.get(key))
		}
		lines = append(lines, strings.Join(cells, ", "))
	}
	return strings.Join(lines, "\n")
}

// cell renders a value on a single line.
func cell(v any) string {
	switch t := v.(type) {
	case object:
		if len(t) == 0 {
			return "{}"
		}
		pairs := make([]string, len(t))
		for i, f := range t {
			pairs[i] = f.key + ": " + inline(f.val)
		}
		return "{" + strings.Join(pairs, ", ") + "}"
	case []any:
		if len(t) == 0 {
			return "[]"
		}
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = inline(item)
		}
		return "[" + strings.Join(items, ", ") + "]"
	default:
		return scalar(v)
	}
}

// inline renders nested containers inside a cell as compact JSON.
func inline(v any) string {
	switch v.(type) {
	case object, []any:
		return compactJSON(v)
	default:
		return scalar(v)
	}
}

// formatObject writes one "key: value" line per field. Nested objects and
// multi-line values go on the following lines, indented by two spaces.
func formatObject(obj object) string {
	if len(obj) == 0 {
		return "{}"
	}
	var lines []string
	for _, f := range obj {
		val := format(f.val)
		nested, isObj := f.val.(object)
		if !strings.Contains(val, "\n") && !(isObj && len(nested) > 0) {
			lines = append(lines, f.key+": "+val)
			continue
		}
		lines = append(lines, f.key+":")
		for _, line := range strings.Split(val, "\n") {
			lines = append(lines, "  "+line)
		}
	}
	return strings.Join(lines, "\n")
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	writeJSON(&buf, v)
	return buf.String()
}

func writeJSON(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case object:
		buf.WriteByte('{')
		for i, f := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(jsonString(f.key))
			buf.WriteByte(':')
			writeJSON(buf, f.val)
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSON(buf, item)
		}
		buf.WriteByte(']')
	case string:
		buf.WriteString(jsonString(t))
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}
