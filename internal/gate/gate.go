// Package gate implements the pattern-based gender gate for
// non-privileged users. Matching is same-gender by default, overridden
// on a fixed pseudo-random schedule so the rule is not trivially
// predictable while still requiring no true randomness.
//
// The gate must be bit-identical for the same seed and position: the two
// sides of a pairing run independent search loops and derive eligibility
// without communicating.
package gate

import "github.com/olyx/video-chat/internal/profile"

// sequences is the fixed set of binary schedules. A 1 bit keeps the
// user's own gender eligible at that turn; a 0 bit flips to the
// opposite gender.
var sequences = [][]int{
	{1, 1, 0, 1, 1, 1, 0, 1, 1, 1},
	{1, 1, 1, 0, 0, 1, 1, 1, 0, 0},
	{1, 0, 1, 1, 1, 1, 1, 0, 1, 1},
	{0, 0, 0, 0, 1, 1, 1, 1, 1, 1},
	{1, 1, 1, 1, 1, 1, 0, 1, 1, 1},
	{1, 0, 1, 0, 1, 1, 1, 1, 0, 1},
	{1, 1, 0, 1, 1, 1, 1, 1, 0, 1},
	{0, 1, 1, 1, 1, 1, 1, 0, 1, 1},
}

// SequenceCount is the number of fixed schedules.
const SequenceCount = 8

// SequenceLength is the length of every schedule; pattern positions are
// taken modulo this value.
const SequenceLength = 10

// EligibleGender returns which gender may match the given user at the
// current turn. Pure function: no side effects, deterministic for the
// same (gender, seed, position) triple. Negative seeds or positions are
// normalized the same way as overflowing ones.
func EligibleGender(g profile.Gender, seed, position int) profile.Gender {
	seq := sequences[mod(seed, SequenceCount)]
	if seq[mod(position, SequenceLength)] == 1 {
		return g
	}
	return g.Opposite()
}

// mod is the non-negative remainder.
func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
