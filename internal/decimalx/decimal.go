// Package decimalx provides the fixed-scale decimal representation used
// for every price and quantity in the reconstruction engine.
package decimalx

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the fixed exponent of the on-disk decimal128(38,18) encoding.
const Scale = 18

// maxPips is the largest magnitude representable in the pips fast path;
// ToPips returns an error for values beyond it.
const maxPips = math.MaxInt64

// Decimal is a decimal128(38,18)-compatible value. It wraps
// shopspring/decimal so every arithmetic op available upstream is
// available here, and pins the scale so every value round-trips to the
// wire format bit-exactly.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// NewFromString parses a base-10 literal (as found in ingestion columns)
// into a Decimal at the fixed scale.
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimalx: parse %q: %w", s, err)
	}
	return Decimal{d: d.Truncate(Scale)}, nil
}

// NewFromInt64Pips builds a Decimal from the scaled-int64 "pips"
// representation used internally for speed.
func NewFromInt64Pips(pips int64, pipsScale int32) Decimal {
	return Decimal{d: decimal.New(pips, -pipsScale).Truncate(Scale)}
}

// NewFromFloat should only be used at test/fixture boundaries; production
// ingestion paths must go through NewFromString to avoid binary-float
// rounding entering the pipeline.
func NewFromFloat(f float64) Decimal {
	return Decimal{d: decimal.NewFromFloat(f).Truncate(Scale)}
}

func (v Decimal) String() string { return v.d.StringFixed(Scale) }

// MarshalJSON delegates to shopspring/decimal so Decimal round-trips
// through WAL/checkpoint JSON envelopes without losing precision to a
// float64 intermediate.
func (v Decimal) MarshalJSON() ([]byte, error) { return v.d.MarshalJSON() }

// UnmarshalJSON delegates to shopspring/decimal and re-truncates to Scale.
func (v *Decimal) UnmarshalJSON(data []byte) error {
	if err := v.d.UnmarshalJSON(data); err != nil {
		return err
	}
	v.d = v.d.Truncate(Scale)
	return nil
}

// Add returns v+other.
func (v Decimal) Add(other Decimal) Decimal { return Decimal{d: v.d.Add(other.d)} }

// Sub returns v-other.
func (v Decimal) Sub(other Decimal) Decimal { return Decimal{d: v.d.Sub(other.d)} }

// Mul returns v*other, truncated back to Scale.
func (v Decimal) Mul(other Decimal) Decimal { return Decimal{d: v.d.Mul(other.d).Truncate(Scale)} }

// Cmp compares v to other: -1, 0, 1.
func (v Decimal) Cmp(other Decimal) int { return v.d.Cmp(other.d) }

// IsZero reports whether v is exactly zero.
func (v Decimal) IsZero() bool { return v.d.IsZero() }

// IsPositive reports whether v > 0.
func (v Decimal) IsPositive() bool { return v.d.IsPositive() }

// Neg returns -v.
func (v Decimal) Neg() Decimal { return Decimal{d: v.d.Neg()} }

// Abs returns |v|.
func (v Decimal) Abs() Decimal { return Decimal{d: v.d.Abs()} }

// Float64 converts to float64 for statistics/metrics only — never for
// values that flow back into the output stream.
func (v Decimal) Float64() float64 {
	f, _ := v.d.Float64()
	return f
}

// BigInt returns the unscaled coefficient of v at Scale, i.e. the
// decimal128(38,18) integer representation used on the wire.
func (v Decimal) BigInt() *big.Int {
	rescaled := v.d.Truncate(Scale).Coefficient()
	currentExp := -v.d.Truncate(Scale).Exponent()
	if currentExp == Scale {
		return rescaled
	}
	// Truncate only drops digits beyond Scale and never adds trailing
	// zeros, so any value with fewer than Scale fractional digits lands
	// here and its coefficient is scaled up to Scale.
	shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Scale-currentExp)), nil)
	return new(big.Int).Mul(rescaled, shift)
}

// FromBigInt reconstructs a Decimal from its decimal128(38,18) unscaled
// coefficient, as read back from a columnar FIXED_LEN_BYTE_ARRAY column.
func FromBigInt(coeff *big.Int) Decimal {
	return Decimal{d: decimal.NewFromBigInt(coeff, -Scale)}
}

// ToPips converts v to the scaled-int64 pips representation at pipsScale,
// failing fast (OverflowError in internal/errorsx terms) rather than
// silently truncating when the value does not fit in an int64.
func (v Decimal) ToPips(pipsScale int32) (int64, error) {
	scaled := v.d.Shift(pipsScale).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("decimalx: value %s overflows int64 at pips scale %d", v, pipsScale)
	}
	pips := scaled.BigInt().Int64()
	if pips > maxPips || pips < -maxPips {
		return 0, fmt.Errorf("decimalx: pips %d exceeds representable range", pips)
	}
	// Round-trip check: the inverse-scale function applied to the output
	// must equal the original decimal128 exactly (testable property 8).
	back := NewFromInt64Pips(pips, pipsScale)
	if back.Cmp(v) != 0 {
		return 0, fmt.Errorf("decimalx: pips round-trip mismatch for %s", v)
	}
	return pips, nil
}

// FixedWidthBytes returns the 16-byte big-endian two's-complement
// encoding used for the parquet FIXED_LEN_BYTE_ARRAY(16) decimal column.
func (v Decimal) FixedWidthBytes() [16]byte {
	var out [16]byte
	b := v.BigInt().Bytes()
	neg := v.BigInt().Sign() < 0
	// big.Int.Bytes() returns the magnitude only; two's complement
	// negative encoding is reconstructed below.
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	copy(out[16-len(b):], b)
	if neg {
		for i := range out {
			out[i] = ^out[i]
		}
		carry := byte(1)
		for i := 15; i >= 0 && carry > 0; i-- {
			sum := int(out[i]) + int(carry)
			out[i] = byte(sum)
			carry = byte(sum >> 8)
		}
	}
	return out
}
