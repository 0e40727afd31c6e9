package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Delimiter joins nested key paths.
const Delimiter = "_"

const circularMarker = "[Circular]"

// NormalizationError reports a payload that could not be flattened. The
// event is still delivered with its top-level keys.
type NormalizationError struct {
	Path string
	Err  error
}

func (e *NormalizationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("flatten payload: %v", e.Err)
	}
	return fmt.Sprintf("flatten payload at %q: %v", e.Path, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

var (
	errCircular    = errors.New("circular reference")
	errUnsupported = errors.New("unsupported value")
)

// Flatten collapses nested maps and slices into one level, joining keys
// with Delimiter. Slices flatten by index. Empty maps and slices are kept
// as leaf values.
func Flatten(payload map[string]any) (map[string]any, error) {
	f := &flattener{out: make(map[string]any, len(payload)), seen: make(map[uintptr]bool)}
	if err := f.walk("", reflect.ValueOf(payload)); err != nil {
		return nil, err
	}
	return f.out, nil
}

type flattener struct {
	out  map[string]any
	seen map[uintptr]bool // containers on the current path
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Delimiter + key
}

func (f *flattener) enter(path string, v reflect.Value) error {
	p := v.Pointer()
	if p == 0 {
		return nil
	}
	if f.seen[p] {
		return &NormalizationError{Path: path, Err: errCircular}
	}
	f.seen[p] = true
	return nil
}

func (f *flattener) leave(v reflect.Value) {
	delete(f.seen, v.Pointer())
}

func (f *flattener) walk(path string, v reflect.Value) error {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			f.out[path] = nil
			return nil
		}
		if v.Kind() == reflect.Pointer {
			if err := f.enter(path, v); err != nil {
				return err
			}
			defer f.leave(v)
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		f.out[path] = nil
		return nil
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return &NormalizationError{Path: path, Err: fmt.Errorf("%w: map key %s", errUnsupported, v.Type().Key())}
		}
		if v.Len() == 0 {
			if path != "" {
				f.out[path] = v.Interface()
			}
			return nil
		}
		if err := f.enter(path, v); err != nil {
			return err
		}
		defer f.leave(v)
		iter := v.MapRange()
		for iter.Next() {
			if err := f.walk(join(path, iter.Key().String()), iter.Value()); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			f.out[path] = v.Interface()
			return nil
		}
		if v.Len() == 0 {
			f.out[path] = v.Interface()
			return nil
		}
		if v.Kind() == reflect.Slice {
			if err := f.enter(path, v); err != nil {
				return err
			}
			defer f.leave(v)
		}
		for i := 0; i < v.Len(); i++ {
			if err := f.walk(join(path, strconv.Itoa(i)), v.Index(i)); err != nil {
				return err
			}
		}
		return nil

	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			if err := encodableLeaf(v); err != nil {
				return &NormalizationError{Path: path, Err: err}
			}
			f.out[path] = t
			return nil
		}
		var generic any
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return &NormalizationError{Path: path, Err: err}
		}
		if err := json.Unmarshal(b, &generic); err != nil {
			return &NormalizationError{Path: path, Err: err}
		}
		return f.walk(path, reflect.ValueOf(generic))

	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return &NormalizationError{Path: path, Err: fmt.Errorf("%w: %s", errUnsupported, v.Kind())}
	}

	if err := encodableLeaf(v); err != nil {
		return &NormalizationError{Path: path, Err: err}
	}
	f.out[path] = v.Interface()
	return nil
}

// encodableLeaf rejects leaves the document store could not JSON-encode,
// such as NaN, ±Inf or a value whose MarshalJSON fails.
func encodableLeaf(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		if x := v.Float(); math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %v", errUnsupported, x)
		}
		return nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if v.Type().Implements(jsonMarshaler) {
			break
		}
		return nil
	}
	if _, err := json.Marshal(v.Interface()); err != nil {
		return fmt.Errorf("%w: %v", errUnsupported, err)
	}
	return nil
}

var jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// safeJSON renders v as JSON even when it contains cycles or values JSON
// cannot encode. Cycles become "[Circular]"; other values use %v.
func safeJSON(v any) string {
	b, err := json.Marshal(safeValue(reflect.ValueOf(v), make(map[uintptr]bool)))
	if err != nil {
		return strconv.Quote(fmt.Sprintf("%v", v))
	}
	return string(b)
}

func safeValue(v reflect.Value, seen map[uintptr]bool) any {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			if seen[v.Pointer()] {
				return circularMarker
			}
			seen[v.Pointer()] = true
			defer delete(seen, v.Pointer())
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Len() > 0 {
			if seen[v.Pointer()] {
				return circularMarker
			}
			seen[v.Pointer()] = true
			defer delete(seen, v.Pointer())
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = safeValue(iter.Value(), seen)
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		if v.Kind() == reflect.Slice && v.Len() > 0 {
			if seen[v.Pointer()] {
				return circularMarker
			}
			seen[v.Pointer()] = true
			defer delete(seen, v.Pointer())
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = safeValue(v.Index(i), seen)
		}
		return out
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return fmt.Sprintf("%v", v.Interface())
	}
	if _, err := json.Marshal(v.Interface()); err != nil {
		return fmt.Sprintf("%v", v.Interface())
	}
	return v.Interface()
}
