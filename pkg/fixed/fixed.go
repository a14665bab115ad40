// Package fixed implements 18-decimal fixed-point arithmetic on 256-bit
// unsigned integers. All monetary and ratio quantities in the trading core
// (margins, prices, leverage, rates) are Dec values: the real number x is
// stored as round(x * 1e18).
//
// Rounding is explicit. MulDown/DivDown floor the true quotient, MulUp/DivUp
// round toward the complementary direction. Overflow of the 256-bit
// intermediate product and division by zero are fatal: they panic with a
// typed *Error, which the engine converts into an atomic operation abort.
package fixed

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Decimals is the fixed scale: one whole unit equals 10^18 raw units.
const Decimals = 18

var (
	one     = uint256.NewInt(1e18)
	hundred = new(uint256.Int).Mul(uint256.NewInt(100), uint256.NewInt(1e18))
)

// Error is the panic payload raised by arithmetic faults.
type Error struct {
	Op     string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("fixed: %s: %s", e.Op, e.Detail)
}

func fault(op, format string, args ...any) {
	panic(&Error{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// Dec is an unsigned 18-decimal fixed-point number. The zero value is 0.
type Dec struct {
	u uint256.Int
}

// Zero returns the Dec zero value.
func Zero() Dec { return Dec{} }

// One returns 1.0 (1e18 raw).
func One() Dec {
	var d Dec
	d.u.Set(one)
	return d
}

// FromUint64 returns n as a fixed-point value (n * 1e18).
func FromUint64(n uint64) Dec {
	var d Dec
	if _, over := d.u.MulOverflow(uint256.NewInt(n), one); over {
		fault("FromUint64", "%d overflows", n)
	}
	return d
}

// FromRaw interprets raw as already-scaled units (raw / 1e18).
func FromRaw(raw uint64) Dec {
	var d Dec
	d.u.SetUint64(raw)
	return d
}

// Parse parses a base-10 integer string of raw 1e18-scaled units.
func Parse(s string) (Dec, error) {
	var d Dec
	if err := d.u.SetFromDecimal(s); err != nil {
		return Dec{}, err
	}
	return d, nil
}

// MustParse parses a base-10 integer string of raw 1e18-scaled units.
// It panics on malformed input and is intended for constants and tests.
func MustParse(s string) Dec {
	var d Dec
	if err := d.u.SetFromDecimal(s); err != nil {
		fault("MustParse", "%q: %v", s, err)
	}
	return d
}

// Raw returns the underlying scaled integer as a decimal string.
func (d Dec) Raw() string { return d.u.Dec() }

// Add returns d + o, panicking on 256-bit overflow.
func (d Dec) Add(o Dec) Dec {
	var r Dec
	if _, over := r.u.AddOverflow(&d.u, &o.u); over {
		fault("Add", "%s + %s overflows", d, o)
	}
	return r
}

// Sub returns d - o, panicking on underflow below zero.
func (d Dec) Sub(o Dec) Dec {
	var r Dec
	if _, under := r.u.SubOverflow(&d.u, &o.u); under {
		fault("Sub", "%s - %s underflows", d, o)
	}
	return r
}

// MulDown returns floor(d * o / 1e18).
func (d Dec) MulDown(o Dec) Dec {
	var r Dec
	if _, over := r.u.MulOverflow(&d.u, &o.u); over {
		fault("MulDown", "%s * %s overflows", d, o)
	}
	r.u.Div(&r.u, one)
	return r
}

// MulUp returns ceil(d * o / 1e18): the smallest representable value not
// below the true product. MulUp(a, b) == MulDown(a, b) exactly when the raw
// product is a multiple of 1e18.
func (d Dec) MulUp(o Dec) Dec {
	var r Dec
	if _, over := r.u.MulOverflow(&d.u, &o.u); over {
		fault("MulUp", "%s * %s overflows", d, o)
	}
	if r.u.IsZero() {
		return r
	}
	r.u.SubUint64(&r.u, 1)
	r.u.Div(&r.u, one)
	r.u.AddUint64(&r.u, 1)
	return r
}

// DivDown returns floor(d * 1e18 / o). Division by zero is fatal.
func (d Dec) DivDown(o Dec) Dec {
	if o.u.IsZero() {
		fault("DivDown", "division by zero")
	}
	var r Dec
	if _, over := r.u.MulOverflow(&d.u, one); over {
		fault("DivDown", "%s / %s overflows", d, o)
	}
	r.u.Div(&r.u, &o.u)
	return r
}

// DivUp returns ceil(d * 1e18 / o). Division by zero is fatal.
func (d Dec) DivUp(o Dec) Dec {
	if o.u.IsZero() {
		fault("DivUp", "division by zero")
	}
	if d.u.IsZero() {
		return Dec{}
	}
	var r Dec
	if _, over := r.u.MulOverflow(&d.u, one); over {
		fault("DivUp", "%s / %s overflows", d, o)
	}
	r.u.SubUint64(&r.u, 1)
	r.u.Div(&r.u, &o.u)
	r.u.AddUint64(&r.u, 1)
	return r
}

// PctDown returns floor(d * pct / 100) where pct is a fixed-point percent
// (50e18 = 50%). Used for close-percentage and impact scaling.
func (d Dec) PctDown(pct Dec) Dec {
	var r Dec
	if _, over := r.u.MulOverflow(&d.u, &pct.u); over {
		fault("PctDown", "%s * %s%% overflows", d, pct)
	}
	r.u.Div(&r.u, hundred)
	return r
}

// IsZero reports whether d == 0.
func (d Dec) IsZero() bool { return d.u.IsZero() }

// Cmp returns -1, 0 or 1 comparing d against o.
func (d Dec) Cmp(o Dec) int { return d.u.Cmp(&o.u) }

// Lt reports d < o.
func (d Dec) Lt(o Dec) bool { return d.u.Lt(&o.u) }

// Lte reports d <= o.
func (d Dec) Lte(o Dec) bool { return !d.u.Gt(&o.u) }

// Gt reports d > o.
func (d Dec) Gt(o Dec) bool { return d.u.Gt(&o.u) }

// Gte reports d >= o.
func (d Dec) Gte(o Dec) bool { return !d.u.Lt(&o.u) }

// Eq reports d == o.
func (d Dec) Eq(o Dec) bool { return d.u.Eq(&o.u) }

// Min returns the smaller of a and b.
func Min(a, b Dec) Dec {
	if a.Lt(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Dec) Dec {
	if a.Gt(b) {
		return a
	}
	return b
}

// Clamp returns d bounded to [lo, hi].
func Clamp(d, lo, hi Dec) Dec {
	if d.Lt(lo) {
		return lo
	}
	if d.Gt(hi) {
		return hi
	}
	return d
}

// Bytes32 returns the big-endian 32-byte encoding of the raw value.
// Used for deterministic hashing of trade fields.
func (d Dec) Bytes32() [32]byte { return d.u.Bytes32() }

// String renders d as a human decimal with trailing zeros trimmed.
func (d Dec) String() string {
	var ip, fp uint256.Int
	ip.Div(&d.u, one)
	fp.Mod(&d.u, one)
	if fp.IsZero() {
		return ip.Dec()
	}
	frac := fmt.Sprintf("%018s", fp.Dec())
	for len(frac) > 1 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	return ip.Dec() + "." + frac
}

// MarshalJSON encodes the raw scaled integer as a JSON string so storage
// round-trips are exact.
func (d Dec) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.u.Dec() + `"`), nil
}

// UnmarshalJSON decodes a raw scaled integer from a JSON string.
func (d *Dec) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("fixed: malformed Dec literal %s", b)
	}
	return d.u.SetFromDecimal(string(b[1 : len(b)-1]))
}
