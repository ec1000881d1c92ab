package serial

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidSerial indicates a serial number could not be parsed.
var ErrInvalidSerial = errors.New("invalid serial number")

// Number is an arbitrary-precision, non-negative certificate serial number.
// The zero value is the "none" serial; allocated serials are always >= 1.
// Number is immutable; all arithmetic returns a new value.
type Number struct {
	v *big.Int
}

// New returns the serial number with the given value.
func New(v uint64) Number {
	if v == 0 {
		return Number{}
	}
	return Number{v: new(big.Int).SetUint64(v)}
}

// FromBig returns a Number holding a copy of b. Negative values are rejected.
func FromBig(b *big.Int) (Number, error) {
	if b == nil || b.Sign() == 0 {
		return Number{}, nil
	}
	if b.Sign() < 0 {
		return Number{}, fmt.Errorf("%w: negative value", ErrInvalidSerial)
	}
	return Number{v: new(big.Int).Set(b)}, nil
}

// Parse parses a hexadecimal serial in either case with an optional 0x
// prefix, as found in OpenSSL serial and index.txt files.
func Parse(s string) (Number, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return Number{}, fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return Number{}, fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	if v.Sign() == 0 {
		return Number{}, nil
	}
	return Number{v: v}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level constants.
func MustParse(s string) Number {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsZero reports whether n is the "none" serial.
func (n Number) IsZero() bool {
	return n.v == nil || n.v.Sign() == 0
}

// Big returns a copy of the value as a *big.Int.
func (n Number) Big() *big.Int {
	if n.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n.v)
}

// Cmp compares n and m and returns -1, 0 or +1.
func (n Number) Cmp(m Number) int {
	return n.Big().Cmp(m.Big())
}

// Equal reports whether n and m hold the same value.
func (n Number) Equal(m Number) bool {
	return n.Cmp(m) == 0
}

// Less reports whether n < m.
func (n Number) Less(m Number) bool {
	return n.Cmp(m) < 0
}

// Next returns n+1.
func (n Number) Next() Number {
	return Number{v: new(big.Int).Add(n.Big(), big.NewInt(1))}
}

// Prev returns n-1, or zero when n is zero or one.
func (n Number) Prev() Number {
	if n.IsZero() {
		return Number{}
	}
	p := new(big.Int).Sub(n.v, big.NewInt(1))
	if p.Sign() == 0 {
		return Number{}
	}
	return Number{v: p}
}

// Max returns the larger of n and m.
func Max(n, m Number) Number {
	if n.Less(m) {
		return m
	}
	return n
}

// String returns the upper-case hex form padded to an even number of
// digits, e.g. "01", "0A", "0100".
func (n Number) String() string {
	if n.IsZero() {
		return "00"
	}
	return strings.ToUpper(hex.EncodeToString(n.v.Bytes()))
}

// MarshalText implements encoding.TextMarshaler.
func (n Number) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Number) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
