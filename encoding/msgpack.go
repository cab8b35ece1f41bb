// Package encoding is the single msgpack boundary for Ferry. Record field
// maps and job payloads all cross it, so every caller sees the same type
// mapping: decoding into interface{} yields Go strings for msgpack strings
// (not []byte) and int64 for integers. This matters because field values
// round-trip through SQLite blobs and must compare equal afterwards.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack.
func Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data using loose interface decoding, which
// preserves strings as strings when the destination is interface{}.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// MarshalFields encodes a record field map. A nil or empty map encodes to
// nil, so operations that carry no payload (deletes) store no blob at all.
func MarshalFields(fields map[string]interface{}) ([]byte, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	return Marshal(fields)
}

// UnmarshalFields decodes a field map produced by MarshalFields. Nil input
// yields a nil map.
func UnmarshalFields(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var fields map[string]interface{}
	if err := Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
