// Package serializer implements the Serializer Registry (C8): choosing how
// an entity's value is turned into bytes for opaque-blob storage, and back.
package serializer

import (
	"encoding/json"
	"fmt"
)

// Serializer converts a value of type V to and from bytes, and names itself
// with a stable TypeTag persisted into the type registry so a future
// process picks the same codec.
type Serializer[V any] interface {
	Serialize(v V) ([]byte, error)
	Deserialize(data []byte) (V, error)
	TypeTag() string
}

// MarshalContract is the "structured contract" precedence level from
// spec.md §4.8: a type that implements it is serialised via these methods
// instead of generic reflection-driven JSON.
type MarshalContract interface {
	MarshalContract() ([]byte, error)
}

type UnmarshalContract interface {
	UnmarshalContract([]byte) error
}

// jsonSerializer is the default, precedence-lowest codec: plain
// encoding/json. This matches the teacher's pervasive use of encoding/json
// for ad hoc blob columns (see DESIGN.md).
type jsonSerializer[V any] struct{}

func (jsonSerializer[V]) Serialize(v V) ([]byte, error) { return json.Marshal(v) }

func (jsonSerializer[V]) Deserialize(data []byte) (V, error) {
	var v V
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func (jsonSerializer[V]) TypeTag() string { return "json" }

// contractSerializer wraps a V implementing MarshalContract/UnmarshalContract.
type contractSerializer[V any] struct{}

func (contractSerializer[V]) Serialize(v V) ([]byte, error) {
	mc, ok := any(v).(MarshalContract)
	if !ok {
		return nil, fmt.Errorf("serializer: %T does not implement MarshalContract", v)
	}
	return mc.MarshalContract()
}

func (contractSerializer[V]) Deserialize(data []byte) (V, error) {
	var v V
	uc, ok := any(&v).(UnmarshalContract)
	if !ok {
		return v, fmt.Errorf("serializer: *%T does not implement UnmarshalContract", v)
	}
	if len(data) == 0 {
		return v, nil
	}
	err := uc.UnmarshalContract(data)
	return v, err
}

func (contractSerializer[V]) TypeTag() string { return "contract" }

// Converter is the highest-precedence, explicit-opt-in codec: a caller
// supplies it directly (the Go analogue of a custom converter annotation —
// there is no portable way to name an arbitrary function in a struct tag).
type Converter[V any] struct {
	Tag         string
	SerializeFn func(V) ([]byte, error)
	DeserializeFn func([]byte) (V, error)
}

func (c Converter[V]) Serialize(v V) ([]byte, error)    { return c.SerializeFn(v) }
func (c Converter[V]) Deserialize(d []byte) (V, error)  { return c.DeserializeFn(d) }
func (c Converter[V]) TypeTag() string                  { return c.Tag }

// Resolve picks a serializer for V following spec.md §4.8's precedence:
// custom converter (if supplied) -> structured contract (if V implements
// it) -> default JSON.
func Resolve[V any](converter *Converter[V]) Serializer[V] {
	if converter != nil {
		return *converter
	}
	var zero V
	if _, ok := any(zero).(MarshalContract); ok {
		return contractSerializer[V]{}
	}
	if _, ok := any(&zero).(MarshalContract); ok {
		return contractSerializer[V]{}
	}
	return jsonSerializer[V]{}
}
