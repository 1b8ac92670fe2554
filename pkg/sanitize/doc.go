// Package sanitize rewrites arbitrary Go values into trees that encode as JSON
// without loss or failure.
//
// The output of a normalization is built only from nil, bool, the builtin
// integer and float types, string, []any and map[string]any. Every visited node
// is classified once and dispatched on that classification, in this precedence:
//
//   - nil pointers, interfaces, maps, slices, funcs and channels stay nil
//   - WideInteger values become int64, or uint64 when unsigned
//   - byte slices, byte arrays and bytes.Buffer become a []any of ints 0-255
//   - functions are dropped: omitted from maps and structs, nil inside sequences
//   - big.Int becomes its decimal string
//   - time.Time becomes an ISO-8601 UTC timestamp with millisecond precision
//   - JSONValuer, json.Marshaler and encoding.TextMarshaler results are normalized
//     in turn; a failing hook falls back to generic handling of the value
//   - slices and arrays become []any of the same length
//   - maps become map[string]any with keys rendered as text
//   - maps of struct{} are sets and become a []any ordered by key text
//   - structs become map[string]any honoring json field tags
//   - channels, complex numbers and unsafe pointers are tried through
//     encoding/json and otherwise replaced by a "[Non-serializable object: T]" marker
//   - remaining scalars are converted to their builtin type, with NaN and
//     infinities mapped to nil
//
// Normalized output is canonical: normalizing it again returns an equal tree.
// Normalizer.Sanitize is fail-open and returns its input unchanged when any
// subtree cannot be normalized.
package sanitize
