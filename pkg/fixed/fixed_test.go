package fixed

import (
	"encoding/json"
	"testing"
)

func dec(raw string) Dec { return MustParse(raw) }

// TestMulRounding verifies the rounding direction contract:
// mulDown floors, mulUp ceils, and they agree exactly when the raw
// product is a multiple of 1e18.
func TestMulRounding(t *testing.T) {
	cases := []struct {
		a, b     string
		down, up string
	}{
		// 1.5 * 1.5 = 2.25 exactly
		{"1500000000000000000", "1500000000000000000", "2250000000000000000", "2250000000000000000"},
		// 1e-18 * 1e-18: true product 1e-36 -> down 0, up 1 raw unit
		{"1", "1", "0", "1"},
		// 1/3-ish times 3: 0.333...3 * 3 = 0.999...9 exact in raw units
		{"333333333333333333", "3000000000000000000", "999999999999999999", "999999999999999999"},
		// 2 * 0.1 = 0.2 exactly
		{"2000000000000000000", "100000000000000000", "200000000000000000", "200000000000000000"},
	}

	for _, c := range cases {
		a, b := dec(c.a), dec(c.b)
		if got := a.MulDown(b); got.Raw() != c.down {
			t.Errorf("MulDown(%s,%s) = %s, want %s", c.a, c.b, got.Raw(), c.down)
		}
		if got := a.MulUp(b); got.Raw() != c.up {
			t.Errorf("MulUp(%s,%s) = %s, want %s", c.a, c.b, got.Raw(), c.up)
		}
	}
}

func TestDivRounding(t *testing.T) {
	// 1 / 3: down = 0.333...3, up = 0.333...4
	a, b := FromUint64(1), FromUint64(3)
	if got := a.DivDown(b); got.Raw() != "333333333333333333" {
		t.Errorf("DivDown(1,3) = %s", got.Raw())
	}
	if got := a.DivUp(b); got.Raw() != "333333333333333334" {
		t.Errorf("DivUp(1,3) = %s", got.Raw())
	}
	// exact division: 6 / 3 = 2 both directions
	a = FromUint64(6)
	if !a.DivDown(b).Eq(FromUint64(2)) || !a.DivUp(b).Eq(FromUint64(2)) {
		t.Error("exact division must round identically both directions")
	}
	// 0 / x = 0 both directions
	if !Zero().DivDown(b).IsZero() || !Zero().DivUp(b).IsZero() {
		t.Error("0/x must be 0")
	}
}

// TestRoundingOrder checks mulDown <= mulUp and divDown <= divUp for a
// spread of non-degenerate inputs, and that the gap is at most one raw unit.
func TestRoundingOrder(t *testing.T) {
	vals := []Dec{
		dec("1"), dec("7"), dec("999999999999999999"),
		FromUint64(1), FromUint64(3), FromUint64(2000),
		dec("123456789123456789123"),
	}
	for _, a := range vals {
		for _, b := range vals {
			md, mu := a.MulDown(b), a.MulUp(b)
			if md.Gt(mu) {
				t.Fatalf("MulDown(%s,%s) > MulUp", a, b)
			}
			if mu.Sub(md).Gt(FromRaw(1)) {
				t.Fatalf("Mul rounding gap > 1 raw unit for (%s,%s)", a, b)
			}
			dd, du := a.DivDown(b), a.DivUp(b)
			if dd.Gt(du) {
				t.Fatalf("DivDown(%s,%s) > DivUp", a, b)
			}
			if du.Sub(dd).Gt(FromRaw(1)) {
				t.Fatalf("Div rounding gap > 1 raw unit for (%s,%s)", a, b)
			}
		}
	}
}

// TestRoundTrip verifies mulDown/divDown invert each other within one
// rounding unit: divDown(mulDown(a,b), b) is within 1 raw unit of a.
func TestRoundTrip(t *testing.T) {
	vals := []Dec{FromUint64(1), FromUint64(7), dec("1234567891234567891234"), FromUint64(99999)}
	divs := []Dec{FromUint64(3), FromUint64(7), One(), dec("500000000000000000")}
	for _, a := range vals {
		for _, b := range divs {
			rt := a.MulDown(b).DivDown(b)
			if rt.Gt(a) {
				t.Fatalf("round-trip grew: %s -> %s via %s", a, rt, b)
			}
			// flooring twice loses at most one unit of the intermediate
			// quotient: |a - rt| <= ceil(1e18/b) + 1 raw units
			if a.Sub(rt).Gt(One().DivUp(b).Add(FromRaw(1))) {
				t.Fatalf("round-trip lost too much: %s -> %s via %s", a, rt, b)
			}
		}
	}
}

func TestMulOverflowPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected overflow panic")
		}
		if _, ok := r.(*Error); !ok {
			t.Fatalf("expected *fixed.Error, got %T", r)
		}
	}()
	huge := dec("115792089237316195423570985008687907853269984665640564039457584007913129639935") // 2^256-1
	huge.MulDown(FromUint64(2))
}

func TestDivByZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected division-by-zero panic")
		}
	}()
	FromUint64(1).DivDown(Zero())
}

func TestSubUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected underflow panic")
		}
	}()
	FromUint64(1).Sub(FromUint64(2))
}

func TestPctDown(t *testing.T) {
	// 50% of 10 = 5
	if got := FromUint64(10).PctDown(FromUint64(50)); !got.Eq(FromUint64(5)) {
		t.Errorf("50%% of 10 = %s", got)
	}
	// 100% identity
	if got := FromUint64(7).PctDown(FromUint64(100)); !got.Eq(FromUint64(7)) {
		t.Errorf("100%% of 7 = %s", got)
	}
}

func TestClampMinMax(t *testing.T) {
	lo, hi := FromUint64(2), FromUint64(9)
	if got := Clamp(FromUint64(1), lo, hi); !got.Eq(lo) {
		t.Errorf("clamp below: %s", got)
	}
	if got := Clamp(FromUint64(100), lo, hi); !got.Eq(hi) {
		t.Errorf("clamp above: %s", got)
	}
	if got := Clamp(FromUint64(5), lo, hi); !got.Eq(FromUint64(5)) {
		t.Errorf("clamp inside: %s", got)
	}
	if !Min(lo, hi).Eq(lo) || !Max(lo, hi).Eq(hi) {
		t.Error("min/max")
	}
}

func TestSignedArithmetic(t *testing.T) {
	// 3 - 5 = -2
	s := SDiff(FromUint64(3), FromUint64(5))
	if !s.IsNegative() || !s.Abs().Eq(FromUint64(2)) {
		t.Fatalf("SDiff(3,5) = %s", s)
	}
	// -2 + 7 = 5
	r := s.AddDec(FromUint64(7))
	if r.Sign() != 1 || !r.Abs().Eq(FromUint64(5)) {
		t.Fatalf("-2 + 7 = %s", r)
	}
	// floor at zero
	if !s.FloorZero().IsZero() {
		t.Error("FloorZero of negative must be 0")
	}
	// negate is total, zero normalizes positive
	z := SDiff(FromUint64(4), FromUint64(4))
	if z.Sign() != 0 || z.Neg().IsNegative() {
		t.Error("signed zero must normalize")
	}
	// sign-preserving scale: -2 * 1.5 = -3
	if got := s.MulDown(dec("1500000000000000000")); got.Sign() != -1 || !got.Abs().Eq(FromUint64(3)) {
		t.Errorf("-2 * 1.5 = %s", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	in := dec("123456789123456789")
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Dec
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if !in.Eq(out) {
		t.Errorf("round-trip mismatch: %s != %s", in, out)
	}
}

func TestString(t *testing.T) {
	if s := dec("2250000000000000000").String(); s != "2.25" {
		t.Errorf("String = %q", s)
	}
	if s := FromUint64(3).String(); s != "3" {
		t.Errorf("String = %q", s)
	}
	if s := FromRaw(1).String(); s != "0.000000000000000001" {
		t.Errorf("String = %q", s)
	}
}
