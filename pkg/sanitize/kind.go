package sanitize

import (
	"bytes"
	"math/big"
	"reflect"
	"time"
)

// kind is the closed classification of a visited node. The declaration order is
// the dispatch precedence.
type kind int

const (
	kindNull kind = iota
	kindWideInt
	kindBytes
	kindFunction
	kindBigInt
	kindDateTime
	kindHook
	kindSequence
	kindMap
	kindSet
	kindPlainObject
	kindOtherObject
	kindScalar
)

var kindNames = [...]string{
	kindNull:        "null",
	kindWideInt:     "wide-int",
	kindBytes:       "bytes",
	kindFunction:    "function",
	kindBigInt:      "big-int",
	kindDateTime:    "date-time",
	kindHook:        "hook",
	kindSequence:    "sequence",
	kindMap:         "map",
	kindSet:         "set",
	kindPlainObject: "plain-object",
	kindOtherObject: "other-object",
	kindScalar:      "scalar",
}

func (k kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}

	return kindNames[k]
}

var (
	bigIntType      = reflect.TypeFor[big.Int]()
	timeType        = reflect.TypeFor[time.Time]()
	bytesBufferType = reflect.TypeFor[bytes.Buffer]()
)

// classify assigns v to exactly one kind. v must already be stripped of
// non-nil pointers and interfaces. With hooks disabled the hook rule is
// skipped, which is how a failed hook falls back to generic handling.
func classify(v reflect.Value, hooks bool) kind {
	if !v.IsValid() {
		return kindNull
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return kindNull
		}
	}

	t := v.Type()
	switch {
	case v.CanInterface() && implements(t, wideIntegerType):
		return kindWideInt
	case isByteSequence(t):
		return kindBytes
	case t.Kind() == reflect.Func:
		return kindFunction
	case t == bigIntType:
		return kindBigInt
	case t == timeType:
		return kindDateTime
	case hooks && hasHook(v):
		return kindHook
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return kindSequence
	case reflect.Map:
		if isEmptyStruct(t.Elem()) {
			return kindSet
		}
		return kindMap
	case reflect.Struct:
		return kindPlainObject
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return kindScalar
	default:
		return kindOtherObject
	}
}

func isByteSequence(t reflect.Type) bool {
	if t == bytesBufferType {
		return true
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return t.Elem().Kind() == reflect.Uint8
	default:
		return false
	}
}

func isEmptyStruct(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.NumField() == 0
}
