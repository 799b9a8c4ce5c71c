package codec

import (
	"math"
	"reflect"
)

// Assignable reports whether v can be used as a value of type t without
// conversion. A nil v is assignable to interface, pointer, map and slice types.
func Assignable(v any, t reflect.Type) bool {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return true
		}
		return false
	}
	return reflect.TypeOf(v).AssignableTo(t)
}

// Coerce converts v into a value of type t when the conversion is lossless.
// It covers what a JSON round trip loses: numeric kinds ([]any of numbers
// into []int, 2.0 into int), values into pointers to their type, and []any
// into typed slices.
func Coerce(v any, t reflect.Type) (any, bool) {
	if Assignable(v, t) {
		if v == nil {
			return reflect.Zero(t).Interface(), true
		}
		return v, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	vt := rv.Type()

	if isNumeric(vt.Kind()) && isNumeric(t.Kind()) {
		return convertNumber(rv, t)
	}
	if vt.Kind() == t.Kind() && vt.ConvertibleTo(t) && (t.Kind() == reflect.String || t.Kind() == reflect.Bool) {
		return rv.Convert(t).Interface(), true
	}
	if t.Kind() == reflect.Pointer {
		inner, ok := Coerce(v, t.Elem())
		if !ok {
			return nil, false
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(reflect.ValueOf(inner))
		return ptr.Interface(), true
	}
	if t.Kind() == reflect.Slice && vt.Kind() == reflect.Slice {
		out := reflect.MakeSlice(t, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, ok := Coerce(rv.Index(i).Interface(), t.Elem())
			if !ok {
				return nil, false
			}
			if elem == nil {
				continue
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), true
	}
	return nil, false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func convertNumber(rv reflect.Value, t reflect.Type) (any, bool) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var i int64
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i = rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return nil, false
			}
			i = int64(u)
		default:
			f := rv.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, false
			}
			i = int64(f)
		}
		if out.OverflowInt(i) {
			return nil, false
		}
		out.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var u uint64
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i := rv.Int()
			if i < 0 {
				return nil, false
			}
			u = uint64(i)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u = rv.Uint()
		default:
			f := rv.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return nil, false
			}
			u = uint64(f)
		}
		if out.OverflowUint(u) {
			return nil, false
		}
		out.SetUint(u)
	default:
		var f float64
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f = float64(rv.Uint())
		default:
			f = rv.Float()
		}
		if out.OverflowFloat(f) {
			return nil, false
		}
		out.SetFloat(f)
	}
	return out.Interface(), true
}
