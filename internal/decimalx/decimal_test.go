package decimalx

import (
	"math/big"
	"testing"
)

func TestRoundTripPips(t *testing.T) {
	v, err := NewFromString("100.125000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pips, err := v.ToPips(8)
	if err != nil {
		t.Fatalf("to pips: %v", err)
	}
	back := NewFromInt64Pips(pips, 8)
	if back.Cmp(v) != 0 {
		t.Fatalf("round trip mismatch: got %s want %s", back, v)
	}
}

func TestArithmeticPreservesScale(t *testing.T) {
	a, _ := NewFromString("1.5")
	b, _ := NewFromString("2.25")
	sum := a.Add(b)
	if sum.String() != "3.750000000000000000" {
		t.Fatalf("unexpected sum: %s", sum)
	}
}

func TestFixedWidthBytesRoundTrip(t *testing.T) {
	v, _ := NewFromString("42.5")
	bytes := v.FixedWidthBytes()
	back := fromFixedWidthBytesForTest(bytes)
	if back.Cmp(v) != 0 {
		t.Fatalf("fixed width round trip mismatch: got %s want %s", back, v)
	}
}

func fromFixedWidthBytesForTest(b [16]byte) Decimal {
	neg := b[0]&0x80 != 0
	work := b
	if neg {
		carry := byte(1)
		for i := 15; i >= 0; i-- {
			work[i] = ^work[i]
		}
		for i := 15; i >= 0 && carry > 0; i-- {
			sum := int(work[i]) + int(carry)
			work[i] = byte(sum)
			carry = byte(sum >> 8)
		}
	}
	coeff := new(big.Int).SetBytes(work[:])
	if neg {
		coeff.Neg(coeff)
	}
	return FromBigInt(coeff)
}
