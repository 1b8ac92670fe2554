package sanitize

import "strconv"

// WideInteger is implemented by 64-bit integer wrappers that expose their value
// as two 32-bit words.
type WideInteger interface {
	Words() (high uint32, low uint32, unsigned bool)
}

// Long is a 64-bit integer split into signed 32-bit halves, the shape used by
// protobuf and binary-protocol libraries that cannot rely on native 64-bit numbers.
type Long struct {
	Low      int32 `json:"low"`
	High     int32 `json:"high"`
	Unsigned bool  `json:"unsigned"`
}

// NewLong splits a signed value into a Long.
func NewLong(value int64) Long {
	return Long{
		Low:  int32(value),
		High: int32(value >> 32),
	}
}

// NewUnsignedLong splits an unsigned value into a Long.
func NewUnsignedLong(value uint64) Long {
	return Long{
		Low:      int32(uint32(value)),
		High:     int32(uint32(value >> 32)),
		Unsigned: true,
	}
}

// Words returns the raw high and low words.
func (l Long) Words() (uint32, uint32, bool) {
	return uint32(l.High), uint32(l.Low), l.Unsigned
}

// Uint64 returns the value reinterpreted as unsigned.
func (l Long) Uint64() uint64 {
	return uint64(uint32(l.High))<<32 | uint64(uint32(l.Low))
}

// Int64 returns the value reinterpreted as signed.
func (l Long) Int64() int64 {
	return int64(l.Uint64())
}

func (l Long) String() string {
	if l.Unsigned {
		return strconv.FormatUint(l.Uint64(), 10)
	}

	return strconv.FormatInt(l.Int64(), 10)
}

func wideIntegerValue(v WideInteger) any {
	high, low, unsigned := v.Words()
	bits := uint64(high)<<32 | uint64(low)
	if unsigned {
		return bits
	}

	return int64(bits)
}
