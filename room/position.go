package room

// List items are ordered by fractional position strings compared
// lexicographically. Digits are the printable bytes 0x20..0x7E, with 0x20 and
// 0x7F as the exclusive lower and upper bounds: the last digit of a position
// is always above 0x20 and 0x7F never appears, but 0x20 can appear as an
// inner digit when inserting before a position that starts with 0x21.
// Between any two positions another one can always be made, so concurrent
// inserts never run out of room.

const (
	posLowerBound = 0x20
	posUpperBound = 0x7F
)

// posBetween returns a position strictly between lo and hi. An empty lo means
// the start of the list, an empty hi means the end.
func posBetween(lo string, hi string) string {
	result := []byte{}
	i := 0
	for {
		dl := posLowerBound
		if i < len(lo) {
			dl = int(lo[i])
		}
		dh := posUpperBound
		if i < len(hi) {
			dh = int(hi[i])
		}
		switch {
		case dl+1 < dh:
			result = append(result, byte((dl+dh)/2))
			return string(result)
		case dl == dh:
			result = append(result, byte(dl))
			i += 1
		default:
			// adjacent digits: keep lo's digit and look for room in the
			// remaining digits of lo, now against an open upper bound
			result = append(result, byte(dl))
			i += 1
			hi = ""
		}
	}
}

func posAfter(lo string) string {
	return posBetween(lo, "")
}

func posBefore(hi string) string {
	return posBetween("", hi)
}
