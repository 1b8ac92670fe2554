package sanitize

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxDepth = 256

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Option mutates normalizer configuration.
type Option func(*Normalizer)

// WithLogger injects the logger used for fail-open diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(normalizer *Normalizer) {
		if logger != nil {
			normalizer.logger = logger
		}
	}
}

// WithMaxDepth bounds how deep a value tree may nest before normalization fails.
func WithMaxDepth(depth int) Option {
	return func(normalizer *Normalizer) {
		if depth > 0 {
			normalizer.maxDepth = depth
		}
	}
}

// Normalizer converts value trees into their JSON-safe canonical form.
//
// A Normalizer holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	logger   *slog.Logger
	maxDepth int
}

// New creates a normalizer.
func New(options ...Option) *Normalizer {
	normalizer := &Normalizer{
		logger:   slog.Default(),
		maxDepth: defaultMaxDepth,
	}
	for _, option := range options {
		option(normalizer)
	}

	return normalizer
}

// Value sanitizes value with a default normalizer.
func Value(value any) any {
	return New().Sanitize(value)
}

// Sanitize returns the normalized form of value, or value itself when
// normalization fails. Failures are logged, never returned.
func (n *Normalizer) Sanitize(value any) any {
	normalized, err := n.Normalize(value)
	if err != nil {
		n.logger.Warn("sanitize payload failed, passing original through",
			"type", fmt.Sprintf("%T", value),
			"error", err,
		)
		return value
	}

	return normalized
}

// Normalize returns the normalized form of value. A top-level function
// normalizes to nil. Errors wrap ErrNormalization.
func (n *Normalizer) Normalize(value any) (normalized any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			normalized = nil
			err = fmt.Errorf("normalize %T: %w: panic: %v", value, ErrNormalization, recovered)
		}
	}()

	normalized, _, err = n.normalize(reflect.ValueOf(value), 0)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", value, err)
	}

	return normalized, nil
}

// normalize returns the normalized node and whether it should be kept. Dropped
// nodes report keep=false.
func (n *Normalizer) normalize(v reflect.Value, depth int) (any, bool, error) {
	if depth > n.maxDepth {
		return nil, false, fmt.Errorf("%w: depth limit %d exceeded", ErrNormalization, n.maxDepth)
	}

	v = indirect(v)

	return n.dispatch(v, classify(v, true), depth)
}

func (n *Normalizer) dispatch(v reflect.Value, k kind, depth int) (any, bool, error) {
	switch k {
	case kindNull:
		return nil, true, nil
	case kindWideInt:
		return wideIntegerValue(addressOf(v).Interface().(WideInteger)), true, nil
	case kindBytes:
		return byteValues(v), true, nil
	case kindFunction:
		return nil, false, nil
	case kindBigInt:
		return addressOf(v).Interface().(*big.Int).String(), true, nil
	case kindDateTime:
		return addressOf(v).Interface().(*time.Time).UTC().Format(timestampLayout), true, nil
	case kindHook:
		result, err := callHook(v)
		if err != nil {
			n.logger.Debug("sanitize hook failed, using generic handling",
				"type", v.Type().String(),
				"error", err,
			)
			return n.dispatch(v, classify(v, false), depth)
		}
		return n.normalize(reflect.ValueOf(result), depth+1)
	case kindSequence:
		normalized, err := n.normalizeSequence(v, depth)
		return normalized, true, err
	case kindMap:
		normalized, err := n.normalizeMap(v, depth)
		return normalized, true, err
	case kindSet:
		normalized, err := n.normalizeSet(v, depth)
		return normalized, true, err
	case kindPlainObject:
		normalized, err := n.normalizeStruct(v, depth)
		return normalized, true, err
	case kindOtherObject:
		return n.normalizeOther(v, depth)
	case kindScalar:
		return scalarValue(v), true, nil
	default:
		return nil, false, fmt.Errorf("%w: unhandled kind %s", ErrNormalization, k)
	}
}

func (n *Normalizer) normalizeSequence(v reflect.Value, depth int) ([]any, error) {
	out := make([]any, v.Len())
	for i := range v.Len() {
		value, keep, err := n.normalize(v.Index(i), depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if keep {
			out[i] = value
		}
	}

	return out, nil
}

func (n *Normalizer) normalizeMap(v reflect.Value, depth int) (map[string]any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := keyText(iter.Key())
		if err != nil {
			return nil, err
		}
		value, keep, err := n.normalize(iter.Value(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", key, err)
		}
		if keep {
			out[key] = value
		}
	}

	return out, nil
}

func (n *Normalizer) normalizeSet(v reflect.Value, depth int) ([]any, error) {
	type member struct {
		order string
		value any
	}

	members := make([]member, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		order, err := keyText(iter.Key())
		if err != nil {
			return nil, err
		}
		value, keep, err := n.normalize(iter.Key(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("{%q}: %w", order, err)
		}
		if keep {
			members = append(members, member{order: order, value: value})
		}
	}
	slices.SortStableFunc(members, func(a, b member) int {
		return strings.Compare(a.order, b.order)
	})

	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m.value
	}

	return out, nil
}

func (n *Normalizer) normalizeStruct(v reflect.Value, depth int) (map[string]any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	promoted := make(map[string]any)

	for i := range t.NumField() {
		field := t.Field(i)
		opts, skip := parseFieldTag(field)
		if skip {
			continue
		}
		fieldValue := v.Field(i)

		if embedded, ok := promotable(field, opts, fieldValue); ok {
			fields, err := n.normalizeStruct(embedded, depth+1)
			if err != nil {
				return nil, fmt.Errorf(".%s: %w", field.Name, err)
			}
			for name, value := range fields {
				if _, exists := promoted[name]; !exists {
					promoted[name] = value
				}
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		if opts.omitEmpty && isEmptyValue(fieldValue) {
			continue
		}
		if opts.omitZero && fieldValue.IsZero() {
			continue
		}

		value, keep, err := n.normalize(fieldValue, depth+1)
		if err != nil {
			return nil, fmt.Errorf(".%s: %w", field.Name, err)
		}
		if keep {
			out[opts.name] = value
		}
	}

	for name, value := range promoted {
		if _, exists := out[name]; !exists {
			out[name] = value
		}
	}

	return out, nil
}

// normalizeOther gives encoding/json a chance before emitting a marker.
func (n *Normalizer) normalizeOther(v reflect.Value, depth int) (any, bool, error) {
	marker := fmt.Sprintf("[Non-serializable object: %s]", v.Type().String())
	if !v.CanInterface() {
		return marker, true, nil
	}

	data, err := json.Marshal(v.Interface())
	if err != nil {
		return marker, true, nil
	}
	decoded, err := decodeJSON(data)
	if err != nil {
		return marker, true, nil
	}

	return n.normalize(reflect.ValueOf(decoded), depth+1)
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && !v.IsNil() {
		v = v.Elem()
	}

	return v
}

func byteValues(v reflect.Value) []any {
	if v.Type() == bytesBufferType {
		data := addressOf(v).Interface().(*bytes.Buffer).Bytes()
		out := make([]any, len(data))
		for i, b := range data {
			out[i] = int(b)
		}
		return out
	}

	out := make([]any, v.Len())
	for i := range v.Len() {
		out[i] = int(v.Index(i).Uint())
	}

	return out
}

var builtinScalars = map[reflect.Kind]reflect.Type{
	reflect.Bool:    reflect.TypeFor[bool](),
	reflect.Int:     reflect.TypeFor[int](),
	reflect.Int8:    reflect.TypeFor[int8](),
	reflect.Int16:   reflect.TypeFor[int16](),
	reflect.Int32:   reflect.TypeFor[int32](),
	reflect.Int64:   reflect.TypeFor[int64](),
	reflect.Uint:    reflect.TypeFor[uint](),
	reflect.Uint8:   reflect.TypeFor[uint8](),
	reflect.Uint16:  reflect.TypeFor[uint16](),
	reflect.Uint32:  reflect.TypeFor[uint32](),
	reflect.Uint64:  reflect.TypeFor[uint64](),
	reflect.Uintptr: reflect.TypeFor[uintptr](),
	reflect.Float32: reflect.TypeFor[float32](),
	reflect.Float64: reflect.TypeFor[float64](),
	reflect.String:  reflect.TypeFor[string](),
}

var jsonNumberType = reflect.TypeFor[json.Number]()

func scalarValue(v reflect.Value) any {
	if v.Type() == jsonNumberType {
		return numberValue(json.Number(v.String()))
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}

	builtin := builtinScalars[v.Kind()]
	if v.Type() != builtin {
		v = v.Convert(builtin)
	}

	return v.Interface()
}

func numberValue(number json.Number) any {
	if i, err := number.Int64(); err == nil {
		return i
	}
	if f, err := number.Float64(); err == nil && !math.IsInf(f, 0) {
		return f
	}

	return number.String()
}

// keyText renders a map key the way encoding/json would, falling back to fmt
// for key types json rejects.
func keyText(k reflect.Value) (string, error) {
	k = indirect(k)
	if !k.IsValid() || ((k.Kind() == reflect.Pointer || k.Kind() == reflect.Interface) && k.IsNil()) {
		return "null", nil
	}
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.CanInterface() && implements(k.Type(), textMarshalerType) {
		text, err := addressOf(k).Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", fmt.Errorf("%w: map key %s: %w", ErrNormalization, k.Type(), err)
		}
		return string(text), nil
	}

	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(k.Float(), 'g', -1, 64), nil
	case reflect.Bool:
		return strconv.FormatBool(k.Bool()), nil
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface()), nil
	}

	return k.Type().String(), nil
}
