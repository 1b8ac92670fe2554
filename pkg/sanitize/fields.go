package sanitize

import (
	"reflect"
	"strings"
)

type fieldOptions struct {
	name      string
	tagged    bool
	omitEmpty bool
	omitZero  bool
}

func parseFieldTag(field reflect.StructField) (fieldOptions, bool) {
	tag, hasTag := field.Tag.Lookup("json")
	if tag == "-" {
		return fieldOptions{}, true
	}

	name, rest, _ := strings.Cut(tag, ",")
	opts := fieldOptions{
		name:   name,
		tagged: hasTag && name != "",
	}
	if opts.name == "" {
		opts.name = field.Name
	}
	for rest != "" {
		var option string
		option, rest, _ = strings.Cut(rest, ",")
		switch option {
		case "omitempty":
			opts.omitEmpty = true
		case "omitzero":
			opts.omitZero = true
		}
	}

	return opts, false
}

// promotable returns the embedded struct whose fields are lifted into the
// parent, following encoding/json: untagged anonymous plain structs, reached
// through pointers when those are non-nil.
func promotable(field reflect.StructField, opts fieldOptions, v reflect.Value) (reflect.Value, bool) {
	if !field.Anonymous || opts.tagged {
		return reflect.Value{}, false
	}

	t := field.Type
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	if field.Type.Kind() == reflect.Pointer {
		if !field.IsExported() || v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.CanInterface() && classify(v, true) != kindPlainObject {
		return reflect.Value{}, false
	}

	return v, true
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	default:
		return false
	}
}
