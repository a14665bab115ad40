package fixed

// SDec is a signed 18-decimal fixed-point number in sign-and-magnitude
// form. Sign-and-magnitude sidesteps the two's-complement corner case where
// negating the minimum representable value overflows: Abs and Neg are total
// here. Negative zero is normalized to positive on every operation.
type SDec struct {
	Negative bool
	Mag      Dec
}

// SZero returns the signed zero value.
func SZero() SDec { return SDec{} }

// SFromDec lifts an unsigned value into the signed domain.
func SFromDec(d Dec) SDec { return SDec{Mag: d} }

// SDiff returns a - b as a signed value.
func SDiff(a, b Dec) SDec {
	if a.Gte(b) {
		return SDec{Mag: a.Sub(b)}
	}
	return SDec{Negative: true, Mag: b.Sub(a)}
}

func (s SDec) norm() SDec {
	if s.Mag.IsZero() {
		s.Negative = false
	}
	return s
}

// IsNegative reports whether s < 0.
func (s SDec) IsNegative() bool { return s.Negative && !s.Mag.IsZero() }

// Sign returns -1, 0 or 1.
func (s SDec) Sign() int {
	if s.Mag.IsZero() {
		return 0
	}
	if s.Negative {
		return -1
	}
	return 1
}

// Abs returns the magnitude of s.
func (s SDec) Abs() Dec { return s.Mag }

// Neg returns -s.
func (s SDec) Neg() SDec {
	return SDec{Negative: !s.Negative, Mag: s.Mag}.norm()
}

// Add returns s + o.
func (s SDec) Add(o SDec) SDec {
	if s.Negative == o.Negative {
		return SDec{Negative: s.Negative, Mag: s.Mag.Add(o.Mag)}.norm()
	}
	if s.Mag.Gte(o.Mag) {
		return SDec{Negative: s.Negative, Mag: s.Mag.Sub(o.Mag)}.norm()
	}
	return SDec{Negative: o.Negative, Mag: o.Mag.Sub(s.Mag)}.norm()
}

// Sub returns s - o.
func (s SDec) Sub(o SDec) SDec { return s.Add(o.Neg()) }

// AddDec returns s + d for unsigned d.
func (s SDec) AddDec(d Dec) SDec { return s.Add(SFromDec(d)) }

// SubDec returns s - d for unsigned d.
func (s SDec) SubDec(d Dec) SDec { return s.Sub(SFromDec(d)) }

// MulDown multiplies the magnitude by an unsigned factor, flooring.
// Sign is preserved; rounding is toward zero.
func (s SDec) MulDown(d Dec) SDec {
	return SDec{Negative: s.Negative, Mag: s.Mag.MulDown(d)}.norm()
}

// DivDown divides the magnitude by an unsigned divisor, flooring.
// Sign is preserved; rounding is toward zero.
func (s SDec) DivDown(d Dec) SDec {
	return SDec{Negative: s.Negative, Mag: s.Mag.DivDown(d)}.norm()
}

// FloorZero returns max(s, 0) as an unsigned value.
func (s SDec) FloorZero() Dec {
	if s.IsNegative() {
		return Dec{}
	}
	return s.Mag
}

// String renders the signed value.
func (s SDec) String() string {
	if s.IsNegative() {
		return "-" + s.Mag.String()
	}
	return s.Mag.String()
}
