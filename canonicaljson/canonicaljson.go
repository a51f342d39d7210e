// Package canonicaljson implements the single canonical JSON encoding that
// every signable payload and state-snapshot hash in the consensus protocol
// routes through: sorted object keys, no insignificant whitespace, and
// integers left bare rather than re-expanded in exponent form.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Encode canonicalizes v by round-tripping it through encoding/json into a
// generic tree and re-emitting it with sorted keys and no extraneous
// whitespace. v may be a struct, map, or anything else json.Marshal accepts;
// it is never a pre-encoded []byte, so callers must marshal their own
// envelopes through this function rather than composing JSON by hand.
func Encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	return EncodeRaw(raw)
}

// EncodeRaw canonicalizes an already-serialized JSON document.
func EncodeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicaljson: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
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
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported type %T", v)
	}
	return nil
}

// writeString re-encodes a string with encoding/json's escaping rules
// (which already produce a unique, whitespace-free form per string) so that
// forward slashes and HTML-sensitive runes are not re-escaped differently
// across platforms.
func writeString(buf *bytes.Buffer, s string) error {
	enc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonicaljson: string: %w", err)
	}
	buf.Write(enc)
	return nil
}
