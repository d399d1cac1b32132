package mapper

import (
	"fmt"
	"reflect"

	"github.com/untoldecay/vstore/internal/entity"
)

// toStructValue returns the reflect.Value of v's underlying struct,
// dereferencing a pointer if V happens to be one.
func toStructValue(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

// columnValueFromStruct projects one tagged field of V out to a column
// value to bind. This denormalised copy is what lets the predicate
// translator (C4) query tagged fields directly in SQL instead of only
// through the opaque blob; store.go keeps it in sync with the blob on
// every write.
func columnValueFromStruct(c entity.Column, structVal reflect.Value) (any, error) {
	if !structVal.IsValid() {
		return nil, nil
	}
	if c.FieldIndex < 0 || c.FieldIndex >= structVal.NumField() {
		return nil, fmt.Errorf("mapper: column %s has no matching struct field", c.Name)
	}
	fv := structVal.Field(c.FieldIndex)
	return scalarFromReflect(fv)
}

func scalarFromReflect(fv reflect.Value) (any, error) {
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil, nil
		}
		fv = fv.Elem()
	}
	switch fv.Kind() {
	case reflect.String:
		return fv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(fv.Uint()), nil
	case reflect.Bool:
		if fv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.Float32, reflect.Float64:
		return fv.Float(), nil
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			return fv.Bytes(), nil
		}
		return fmt.Sprint(fv.Interface()), nil
	default:
		return fmt.Sprint(fv.Interface()), nil
	}
}
