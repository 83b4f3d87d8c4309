// Package flatten renders nested data as indentation-based plain text.
//
// The output carries the structure of the input without JSON punctuation:
// objects become key=value lines, nested values open a new line under their
// key and arrays list their items prefixed by index. The same rendering is
// used for embedding text and for prompt records, so it must stay byte-stable.
package flatten

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

// Field is one entry of an ordered object.
type Field struct {
	Key   string
	Value any
}

// Object is a key/value mapping whose key order is preserved.
type Object []Field

// hexID matches opaque database identifiers such as BSON object ids.
type hexID interface {
	Hex() string
}

var (
	timeType = reflect.TypeOf(time.Time{})
	rawType  = reflect.TypeOf(json.RawMessage(nil))
)

// Flatten renders v starting at depth 0.
func Flatten(v any) string {
	return FlattenDepth(v, 0)
}

// FlattenDepth renders v with tab padding equal to depth.
func FlattenDepth(v any, depth int) string {
	v = normalize(v)
	if v == nil {
		return "null"
	}
	pad := strings.Repeat("\t", depth)

	switch x := v.(type) {
	case uuid.UUID:
		return x.String()
	case hexID:
		return x.Hex()
	case Object:
		return flattenObject(x, depth, pad)
	case []any:
		return flattenArray(x, depth, pad)
	case time.Time:
		return x.UTC().Format(isoMillis)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatFloat(x, 64)
	case float32:
		return formatFloat(float64(x), 32)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return flattenArray(items, depth, pad)
	case reflect.Map, reflect.Struct:
		return flattenObject(Fields(v), depth, pad)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return formatFloat(rv.Float(), 32)
	case reflect.Float64:
		return formatFloat(rv.Float(), 64)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	}
	return fmt.Sprint(v)
}

func flattenArray(items []any, depth int, pad string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		prefix := ""
		if i > 0 {
			prefix = pad
		}
		lines[i] = prefix + strconv.Itoa(i) + " " + FlattenDepth(item, depth+1)
	}
	return pad + strings.Join(lines, "\n")
}

func flattenObject(obj Object, depth int, pad string) string {
	lines := make([]string, len(obj))
	for i, f := range obj {
		sep := "\n"
		if isPrimitive(f.Value) {
			sep = "="
		}
		prefix := ""
		if i > 0 {
			prefix = pad
		}
		lines[i] = prefix + f.Key + sep + FlattenDepth(f.Value, depth+1)
	}
	return strings.Join(lines, "\n")
}

// isPrimitive reports whether v renders inline after "=".
func isPrimitive(v any) bool {
	v = normalize(v)
	if v == nil {
		return false
	}
	if _, ok := v.(time.Time); ok {
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// normalize dereferences pointers and interfaces and decodes raw JSON.
func normalize(v any) any {
	for {
		if v == nil {
			return nil
		}
		if raw, ok := v.(json.RawMessage); ok {
			if len(raw) == 0 {
				return nil
			}
			decoded, err := DecodeJSON(raw)
			if err != nil {
				return string(raw)
			}
			return decoded
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Pointer, reflect.Interface:
			if rv.IsNil() {
				return nil
			}
			v = rv.Elem().Interface()
		case reflect.Slice, reflect.Map:
			if rv.IsNil() {
				return nil
			}
			return v
		default:
			return v
		}
	}
}

// Fields exposes a struct, map or Object as an ordered Object. Struct fields
// keep declaration order and json tag names; map keys are sorted. Other
// values yield nil.
func Fields(v any) Object {
	v = normalize(v)
	if v == nil {
		return nil
	}
	if obj, ok := v.(Object); ok {
		return obj
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		obj := make(Object, 0, len(keys))
		for _, k := range keys {
			obj = append(obj, Field{Key: fmt.Sprint(k.Interface()), Value: rv.MapIndex(k).Interface()})
		}
		return obj
	case reflect.Struct:
		return structFields(rv)
	}
	return nil
}

func structFields(rv reflect.Value) Object {
	rt := rv.Type()
	obj := make(Object, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		name, opts := parseTag(sf.Tag.Get("json"))
		if name == "-" && opts == "" {
			continue
		}
		fv := rv.Field(i)
		if sf.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct && inner.Type() != timeType {
				obj = append(obj, structFields(inner)...)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		obj = append(obj, Field{Key: name, Value: fv.Interface()})
	}
	return obj
}

func parseTag(tag string) (string, string) {
	name, opts, _ := strings.Cut(tag, ",")
	return name, opts
}

// isEmptyValue mirrors encoding/json omitempty semantics.
func isEmptyValue(v reflect.Value) bool {
	if v.Type() == rawType {
		return v.Len() == 0
	}
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}

// formatFloat prints the shortest decimal form, switching to exponent
// notation outside [1e-6, 1e21).
func formatFloat(f float64, bits int) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		return strconv.FormatFloat(f, 'e', -1, bits)
	}
	return strconv.FormatFloat(f, 'f', -1, bits)
}
