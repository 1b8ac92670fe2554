package sanitize

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// JSONValuer is implemented by values that provide their own serializable form.
// It takes precedence over json.Marshaler and encoding.TextMarshaler.
type JSONValuer interface {
	JSONValue() (any, error)
}

var (
	jsonValuerType    = reflect.TypeFor[JSONValuer]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	wideIntegerType   = reflect.TypeFor[WideInteger]()

	errNoHook = errors.New("no serialization hook")
)

func hasHook(v reflect.Value) bool {
	if !v.CanInterface() {
		return false
	}

	return implements(v.Type(), jsonValuerType) ||
		implements(v.Type(), jsonMarshalerType) ||
		implements(v.Type(), textMarshalerType)
}

// callHook invokes the first hook v exposes and returns its raw result.
func callHook(v reflect.Value) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("hook panic: %v", recovered)
		}
	}()

	switch hook := addressOf(v).Interface().(type) {
	case JSONValuer:
		return hook.JSONValue()
	case json.Marshaler:
		data, err := hook.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return decodeJSON(data)
	case encoding.TextMarshaler:
		text, err := hook.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("marshal text: %w", err)
		}
		return string(text), nil
	default:
		return nil, errNoHook
	}
}

func decodeJSON(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	return decoded, nil
}

// implements reports whether t or *t implements iface.
func implements(t reflect.Type, iface reflect.Type) bool {
	return t.Implements(iface) || reflect.PointerTo(t).Implements(iface)
}

// addressOf returns a pointer to v, or to a copy of v when it is not
// addressable, so that pointer-receiver methods are callable.
func addressOf(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v.Addr()
	}

	pointer := reflect.New(v.Type())
	pointer.Elem().Set(v)

	return pointer
}
