// Package codec converts arbitrary Go values into a JSON-safe checkpoint form
// and back.
//
// Plain JSON values (nil, strings, booleans, numbers, string-keyed maps and
// slices) pass through unchanged. Structs are tagged with the name of their
// type so they can be rebuilt on decode:
//
//	{"__af_dataclass__": "example.com/app:Order", "value": {"id": 7}}
//
// Types implementing Model provide their own dictionary form and are tagged
// with ModelMarker instead. Decoding resolves the tag through a Registry; an
// unknown tag decodes to the plain payload.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Markers and sentinels of the encoded form.
const (
	ModelMarker      = "__af_model__"
	DataclassMarker  = "__af_dataclass__"
	ValueKey         = "value"
	CycleSentinel    = "<cycle>"
	MaxDepthSentinel = "<max_depth>"

	// MaxDepth bounds the nesting the encoder will follow.
	MaxDepth = 100
)

// Model is implemented by types that control their own checkpoint form.
// To be rebuilt on decode, the pointer type must implement ModelDecoder.
type Model interface {
	ToDict() (map[string]any, error)
}

// ModelDecoder restores a Model from the map produced by ToDict.
type ModelDecoder interface {
	FromDict(map[string]any) error
}

var (
	modelType        = reflect.TypeOf((*Model)(nil)).Elem()
	modelDecoderType = reflect.TypeOf((*ModelDecoder)(nil)).Elem()
)

// Registry maps type names to Go types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns a registry that already knows the builtin scalar and
// JSON container types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]reflect.Type)}
	for _, v := range []any{
		false, "", 0, int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		[]any{}, map[string]any{}, []string{}, []int{}, map[string]string{},
	} {
		r.RegisterType(reflect.TypeOf(v))
	}
	r.RegisterType(reflect.TypeOf((*any)(nil)).Elem())
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the package functions.
func Default() *Registry { return defaultRegistry }

// Register records the dynamic type of v in the default registry and returns
// its name.
func Register(v any) string {
	return defaultRegistry.RegisterType(reflect.TypeOf(v))
}

// RegisterType records t in the default registry.
func RegisterType(t reflect.Type) string {
	return defaultRegistry.RegisterType(t)
}

// Encode encodes v with the default registry.
func Encode(v any) any { return defaultRegistry.Encode(v) }

// Decode decodes v with the default registry.
func Decode(v any) any { return defaultRegistry.Decode(v) }

// LookupType resolves name in the default registry.
func LookupType(name string) (reflect.Type, bool) { return defaultRegistry.Lookup(name) }

// TypeName returns the registry name of t: "pkgpath:Name" for named types,
// the Go spelling otherwise, and a leading "*" for pointers.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	if t.Kind() == reflect.Pointer {
		return "*" + TypeName(t.Elem())
	}
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + ":" + t.Name()
	}
	return t.String()
}

// RegisterType records t (and, for pointers, its element type) and returns
// the name it was registered under.
func (r *Registry) RegisterType(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := TypeName(t)
	r.mu.Lock()
	r.types[name] = t
	r.mu.Unlock()
	return name
}

// Lookup resolves a name produced by TypeName.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	if strings.HasPrefix(name, "*") {
		elem, ok := r.Lookup(name[1:])
		if !ok {
			return nil, false
		}
		return reflect.PointerTo(elem), true
	}
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	return t, ok
}

// IsEncoded reports whether v is a marker-tagged object produced by Encode.
func IsEncoded(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m[ValueKey]; !ok {
		return false
	}
	_, model := m[ModelMarker]
	_, dataclass := m[DataclassMarker]
	return model || dataclass
}

// Encode converts v into its checkpoint form. It never fails: values that
// cannot be represented are replaced by a descriptive string.
func (r *Registry) Encode(v any) any {
	return r.encode(v, make(map[uintptr]struct{}), 0)
}

func (r *Registry) encode(v any, stack map[uintptr]struct{}, depth int) any {
	if depth > MaxDepth {
		return MaxDepthSentinel
	}
	switch x := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	}

	rv := reflect.ValueOf(v)
	t := rv.Type()

	if t.Implements(modelType) && !(rv.Kind() == reflect.Pointer && rv.IsNil()) {
		dict, err := v.(Model).ToDict()
		if err != nil {
			return fmt.Sprint(v)
		}
		name := r.RegisterType(t)
		return map[string]any{
			ModelMarker: name,
			ValueKey:    r.encode(dict, stack, depth+1),
		}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if _, seen := stack[ptr]; seen {
			return CycleSentinel
		}
		stack[ptr] = struct{}{}
		defer delete(stack, ptr)
		return r.encode(rv.Elem().Interface(), stack, depth)

	case reflect.Struct:
		name := r.RegisterType(t)
		return map[string]any{
			DataclassMarker: name,
			ValueKey:        r.encodeFields(rv, stack, depth+1),
		}

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if _, seen := stack[ptr]; seen {
			return CycleSentinel
		}
		stack[ptr] = struct{}{}
		defer delete(stack, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key()
			var k string
			if key.Kind() == reflect.String {
				k = key.String()
			} else {
				k = fmt.Sprint(key.Interface())
			}
			out[k] = r.encode(iter.Value().Interface(), stack, depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil
			}
			if rv.Len() > 0 {
				ptr := rv.Pointer()
				if _, seen := stack[ptr]; seen {
					return CycleSentinel
				}
				stack[ptr] = struct{}{}
				defer delete(stack, ptr)
			}
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = r.encode(rv.Index(i).Interface(), stack, depth+1)
		}
		return out

	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", t.String())
	}
	return fmt.Sprint(v)
}

// encodeFields walks exported struct fields, naming them the way
// encoding/json would.
func (r *Registry) encodeFields(rv reflect.Value, stack map[uintptr]struct{}, depth int) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = r.encode(rv.Field(i).Interface(), stack, depth)
	}
	return out
}

// Decode reverses Encode. Tagged objects whose type is registered are rebuilt
// as values of that type; anything else decodes to plain JSON values.
// Integral json.Number values become int, other numbers float64.
func (r *Registry) Decode(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if name, ok := x[ModelMarker].(string); ok {
			if raw, ok := x[ValueKey]; ok {
				payload := r.Decode(raw)
				if built, ok := r.buildModel(name, payload); ok {
					return built
				}
				return payload
			}
		}
		if name, ok := x[DataclassMarker].(string); ok {
			if raw, ok := x[ValueKey]; ok {
				payload := r.Decode(raw)
				if built, ok := r.buildStruct(name, payload); ok {
					return built
				}
				return payload
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = r.Decode(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = r.Decode(val)
		}
		return out
	case json.Number:
		return decodeNumber(x)
	}
	return v
}

func decodeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		if int64(int(i)) == i {
			return int(i)
		}
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (r *Registry) buildModel(name string, payload any) (any, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	dict, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	ptr := reflect.New(t)
	if ptr.Type().Implements(modelDecoderType) {
		if err := ptr.Interface().(ModelDecoder).FromDict(dict); err == nil {
			return ptr.Elem().Interface(), true
		}
		return nil, false
	}
	return r.buildStruct(name, payload)
}

func (r *Registry) buildStruct(name string, payload any) (any, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, false
	}
	return ptr.Elem().Interface(), true
}

// Unmarshal decodes JSON keeping numbers as json.Number so that Decode can
// restore integers exactly.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Numbers replaces every json.Number inside v with an int, int64 or float64,
// leaving tagged objects in their encoded form.
func Numbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = Numbers(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = Numbers(val)
		}
		return x
	case []map[string]any:
		for _, m := range x {
			Numbers(m)
		}
		return x
	case json.Number:
		return decodeNumber(x)
	}
	return v
}
