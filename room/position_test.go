package room

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPosBetweenOrdering(t *testing.T) {
	first := posBetween("", "")
	assert.NotEqual(t, first, "")

	after := posAfter(first)
	assert.Equal(t, first < after, true)

	before := posBefore(first)
	assert.Equal(t, before < first, true)

	mid := posBetween(before, after)
	assert.Equal(t, before < mid, true)
	assert.Equal(t, mid < after, true)
}

func TestPosBetweenAdjacentDigits(t *testing.T) {
	lo := "!"
	hi := "\""

	// no single digit fits between adjacent digits; the result grows instead
	mid := posBetween(lo, hi)
	assert.Equal(t, lo < mid, true)
	assert.Equal(t, mid < hi, true)
	assert.Equal(t, 1 < len(mid), true)
}

func TestPosBetweenEqualPrefixes(t *testing.T) {
	mid := posBetween("55", "56")
	assert.Equal(t, "55" < mid, true)
	assert.Equal(t, mid < "56", true)
}

func TestPosBetweenStaysDense(t *testing.T) {
	// repeated front inserts
	hi := ""
	for i := 0; i < 100; i += 1 {
		pos := posBetween("", hi)
		if hi != "" {
			assert.Equal(t, pos < hi, true)
		}
		hi = pos
	}

	// repeated back inserts
	lo := ""
	for i := 0; i < 100; i += 1 {
		pos := posBetween(lo, "")
		if lo != "" {
			assert.Equal(t, lo < pos, true)
		}
		lo = pos
	}

	// repeated random middle inserts between a shrinking pair
	lo, hi = posBetween("", ""), posAfter(posBetween("", ""))
	for i := 0; i < 100; i += 1 {
		mid := posBetween(lo, hi)
		assert.Equal(t, lo < mid, true)
		assert.Equal(t, mid < hi, true)
		if mathrand.Intn(2) == 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
}

func TestPosDigitsStayPrintable(t *testing.T) {
	lo, hi := "", ""
	for i := 0; i < 50; i += 1 {
		pos := posBetween(lo, hi)
		for j := 0; j < len(pos); j += 1 {
			assert.Equal(t, posLowerBound < int(pos[j]), true)
			assert.Equal(t, int(pos[j]) < posUpperBound, true)
		}
		lo = pos
	}
}
