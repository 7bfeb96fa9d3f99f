// Package json wraps goccy/go-json for payload documents, task envelopes and
// content hashing.
package json

import (
	"bytes"
	"io"

	gojson "github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = gojson.RawMessage

// Marshal encodes v. Map keys are emitted in sorted order, which makes the
// output stable for hashing.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// UnmarshalNumber decodes data keeping numbers as json.Number so integer
// identifiers are not widened to float64.
func UnmarshalNumber(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// NewDecoder returns a streaming decoder over r.
func NewDecoder(r io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(r)
}

// NewEncoder returns an encoder writing to w with HTML escaping disabled.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// Number is a JSON number literal.
type Number = gojson.Number

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return gojson.Valid(data)
}
