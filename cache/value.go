package cache

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Value is an encoded cache payload. Every store keeps values in this JSON
// form so that integers stay plain decimal text and can be adjusted in
// place by backends with native counters.
type Value []byte

// Encode converts val into a Value. A Value passes through untouched.
func Encode(val any) (Value, error) {
	switch v := val.(type) {
	case Value:
		return v, nil
	case json.RawMessage:
		return Value(v), nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, errors.Wrap(err, "cache: failed to encode value")
	}
	return Value(data), nil
}

// MustEncode is like Encode but panics when val cannot be encoded.
func MustEncode(val any) Value {
	v, err := Encode(val)
	if err != nil {
		panic(err)
	}
	return v
}

// Decode unmarshals the value into out.
func (v Value) Decode(out any) error {
	if len(v) == 0 {
		return errors.New("cache: cannot decode an empty value")
	}
	if err := json.Unmarshal(v, out); err != nil {
		return errors.Wrap(err, "cache: failed to decode value")
	}
	return nil
}

// Int returns the value as an integer when it holds one.
func (v Value) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Value) String() string {
	return string(v)
}

// MarshalJSON embeds the value as raw JSON. Payloads that are not valid
// JSON (written by something other than this package) are embedded as
// strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(v) {
		return json.Marshal(string(v))
	}
	return v, nil
}

// UnmarshalJSON keeps the raw JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

func intValue(n int64) Value {
	return Value(strconv.FormatInt(n, 10))
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	return append(Value(nil), v...)
}
