package packet

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

type Kind int

const (
	KindScalar Kind = iota
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindOpaque:
		return "opaque"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single argument or return value.
// It is either a plain JSON scalar (string, number, bool or null) or an opaque payload holding base64 text,
// which must be decoded a second time before use.
type Value struct {
	kind   Kind
	scalar any
	data   string
}

// Scalar wraps a string, bool, number or nil. Other types are rejected when the value is encoded,
// since they could not be told apart from opaque payloads on the way back.
func Scalar(v any) Value {
	return Value{kind: KindScalar, scalar: v}
}

// Opaque wraps base64 text as received on the wire. The text is not validated until it is decoded or checked with Validate.
func Opaque(data string) Value {
	return Value{kind: KindOpaque, data: data}
}

// OpaqueOf serializes v into an opaque payload.
func OpaqueOf(v any) (Value, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("serializing opaque value: %w", err)
	}
	return Opaque(base64.StdEncoding.EncodeToString(b)), nil
}

func (v Value) Kind() Kind { return v.kind }

// Bytes returns the serialized blob carried by an opaque value.
func (v Value) Bytes() ([]byte, error) {
	if v.kind != KindOpaque {
		return nil, fmt.Errorf("value is %s, not opaque", v.kind)
	}
	b, err := base64.StdEncoding.DecodeString(v.data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return b, nil
}

// Decode deserializes an opaque value into the value pointed to by into.
func (v Value) Decode(into any) error {
	b, err := v.Bytes()
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(b, into); err != nil {
		return fmt.Errorf("deserializing opaque payload: %w", err)
	}
	return nil
}

// Validate checks that an opaque value holds base64 text wrapping a single well-formed CBOR item.
// Scalars are always valid.
func (v Value) Validate() error {
	if v.kind != KindOpaque {
		return nil
	}
	b, err := v.Bytes()
	if err != nil {
		return err
	}
	if err := cbor.Wellformed(b); err != nil {
		return fmt.Errorf("deserializing opaque payload: %w", err)
	}
	return nil
}

// DecodeOpaque is a typed form of Value.Decode.
func DecodeOpaque[T any](v Value) (T, error) {
	var t T
	err := v.Decode(&t)
	return t, err
}

// Interface returns the scalar as-is, or the deserialized form of an opaque payload.
func (v Value) Interface() (any, error) {
	if v.kind == KindScalar {
		return v.scalar, nil
	}
	var out any
	if err := v.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v Value) Int() (int, error) {
	if v.kind != KindScalar {
		return 0, fmt.Errorf("value is %s, not a number", v.kind)
	}
	switch n := v.scalar.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("parsing %q as integer: %w", n, err)
		}
		return toInt(i)
	case int:
		return n, nil
	case int64:
		return toInt(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%v overflows int", n)
		}
		return toInt(int64(n))
	default:
		return 0, fmt.Errorf("value %v (%T) is not a number", v.scalar, v.scalar)
	}
}

func toInt(i int64) (int, error) {
	if i < math.MinInt || i > math.MaxInt {
		return 0, fmt.Errorf("%d overflows int", i)
	}
	return int(i), nil
}

func (v Value) Bool() (bool, error) {
	b, ok := v.scalar.(bool)
	if v.kind != KindScalar || !ok {
		return false, fmt.Errorf("value %v is not a boolean", v)
	}
	return b, nil
}

func (v Value) String() string {
	if v.kind == KindOpaque {
		return fmt.Sprintf("opaque(%d chars)", len(v.data))
	}
	if v.scalar == nil {
		return "null"
	}
	return fmt.Sprint(v.scalar)
}

type opaqueWire struct {
	Data *string `json:"data"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindOpaque {
		return json.Marshal(opaqueWire{Data: &v.data})
	}
	switch v.scalar.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return json.Marshal(v.scalar)
	default:
		return nil, fmt.Errorf("scalar of type %T is not supported, use OpaqueOf", v.scalar)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty value")
	}
	switch b[0] {
	case '{':
		var w opaqueWire
		if err := json.Unmarshal(b, &w); err != nil {
			return fmt.Errorf("parsing opaque value: %w", err)
		}
		if w.Data == nil {
			return errors.New("object value without a data field")
		}
		*v = Opaque(*w.Data)
		return nil
	case '[':
		return errors.New("nested arrays are not supported as values")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var s any
	if err := dec.Decode(&s); err != nil {
		return err
	}
	*v = Scalar(s)
	return nil
}
