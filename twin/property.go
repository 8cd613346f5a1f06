package twin

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind is the type of a property value.
type Kind int

const (
	// Unset marks a property without a value.
	Unset Kind = iota
	// Bool is a boolean property.
	Bool
	// Int is an integer property.
	Int
	// Float is a floating-point property.
	Float
	// Text is a free-form string property.
	Text
	// Enum is a string property restricted to a fixed set of values.
	Enum
	// Blob is an opaque binary property, base64-encoded on the wire.
	Blob
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case Text:
		return "text"
	case Enum:
		return "enum"
	case Blob:
		return "blob"
	}
	return "unset"
}

// Value is a typed property value. The zero value is Unset.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
}

// BoolValue returns a Bool value.
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// IntValue returns an Int value.
func IntValue(i int64) Value { return Value{kind: Int, i: i} }

// FloatValue returns a Float value.
func FloatValue(f float64) Value { return Value{kind: Float, f: f} }

// TextValue returns a Text value.
func TextValue(s string) Value { return Value{kind: Text, s: s} }

// EnumValue returns an Enum value.
func EnumValue(s string) Value { return Value{kind: Enum, s: s} }

// BlobValue returns a Blob value. The data is copied.
func BlobValue(data []byte) Value {
	return Value{kind: Blob, bytes: append([]byte(nil), data...)}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsSet reports whether the value carries data.
func (v Value) IsSet() bool { return v.kind != Unset }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// Int returns the integer payload.
func (v Value) Int() int64 { return v.i }

// Float returns the floating-point payload.
func (v Value) Float() float64 { return v.f }

// Text returns the string payload of Text and Enum values.
func (v Value) Text() string { return v.s }

// Blob returns a copy of the binary payload.
func (v Value) Blob() []byte { return append([]byte(nil), v.bytes...) }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case Bool:
		return v.b == other.b
	case Int:
		return v.i == other.i
	case Float:
		return v.f == other.f
	case Text, Enum:
		return v.s == other.s
	case Blob:
		return bytes.Equal(v.bytes, other.bytes)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case Bool:
		return strconv.FormatBool(v.b)
	case Int:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case Text, Enum:
		return v.s
	case Blob:
		return fmt.Sprintf("blob(%d bytes)", len(v.bytes))
	}
	return "unset"
}

// EncodeJSON returns the wire representation of the value.
func (v Value) EncodeJSON() (json.RawMessage, error) {
	switch v.kind {
	case Bool:
		return json.Marshal(v.b)
	case Int:
		return json.Marshal(v.i)
	case Float:
		return json.Marshal(v.f)
	case Text, Enum:
		return json.Marshal(v.s)
	case Blob:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bytes))
	}
	return nil, fmt.Errorf("cannot encode unset value")
}

// DecodeValue decodes a raw JSON value as the given kind.
func DecodeValue(kind Kind, raw json.RawMessage) (Value, error) {
	switch kind {
	case Bool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("expected bool: %w", err)
		}
		return BoolValue(b), nil
	case Int:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, fmt.Errorf("expected number: %w", err)
		}
		if f != math.Trunc(f) {
			return Value{}, fmt.Errorf("expected integer, got %v", f)
		}
		return IntValue(int64(f)), nil
	case Float:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, fmt.Errorf("expected number: %w", err)
		}
		return FloatValue(f), nil
	case Text, Enum:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected string: %w", err)
		}
		if kind == Enum {
			return EnumValue(s), nil
		}
		return TextValue(s), nil
	case Blob:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected base64 string: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("corrupt base64 blob: %w", err)
		}
		return BlobValue(data), nil
	}
	return Value{}, fmt.Errorf("cannot decode as unset")
}

// InferValue decodes a raw JSON value by its JSON type. Used for reported
// paths outside the descriptor table so newer firmware state stays visible.
func InferValue(raw json.RawMessage) (Value, error) {
	var any interface{}
	if err := json.Unmarshal(raw, &any); err != nil {
		return Value{}, err
	}
	switch typed := any.(type) {
	case bool:
		return BoolValue(typed), nil
	case float64:
		if typed == math.Trunc(typed) {
			return IntValue(int64(typed)), nil
		}
		return FloatValue(typed), nil
	case string:
		return TextValue(typed), nil
	}
	// objects and arrays stay as raw text
	return TextValue(string(raw)), nil
}
