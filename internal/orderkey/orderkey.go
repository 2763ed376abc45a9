// Package orderkey generates dense, lexicographically comparable sibling
// keys: for any two keys a < b it can always produce a c with a < c < b,
// and the absent-neighbor cases (inserting at the very start or end of a
// sibling list) are handled the same way.
//
// The donor codebase has no fractional-indexing library to ground this on
// (see DESIGN.md), so the midpoint search is hand-rolled on top of
// math/big: every key is read as a base-62 fraction and the midpoint of two
// keys is computed with exact integer arithmetic, extending precision by
// one digit whenever the exact midpoint would otherwise need a fraction of
// a digit. Because the alphabet size is even, one extra digit is always
// enough.
package orderkey

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/treesync/core/internal/treeerr"
)

// Alphabet is the ordered digit set keys are built from. Index order is
// ASCII order, so byte-wise string comparison of two keys agrees with
// comparison of the values they represent.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var base = big.NewInt(int64(len(Alphabet)))

// digitIndex maps a byte back to its position in Alphabet, or -1.
var digitIndex [256]int8

func init() {
	for i := range digitIndex {
		digitIndex[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		digitIndex[Alphabet[i]] = int8(i)
	}
}

// GenerateKeyBetween returns a key strictly between left and right. Pass ""
// for an absent neighbor: both empty generates the first key ever used in a
// folder; left empty generates a key before right; right empty generates a
// key after left.
//
// Fails with treeerr.ErrInvalidOrder if both are non-empty and left >= right
// — that is always a caller bug (the sibling list was not read correctly).
func GenerateKeyBetween(left, right string) (string, error) {
	if left != "" && right != "" && left >= right {
		return "", treeerr.New(treeerr.ClassValidation, "orderkey.GenerateKeyBetween",
			fmt.Errorf("%w: left=%q right=%q", treeerr.ErrInvalidOrder, left, right))
	}

	leftDigits, err := toDigits(left)
	if err != nil {
		return "", treeerr.New(treeerr.ClassValidation, "orderkey.GenerateKeyBetween", err)
	}
	rightPresent := right != ""
	var rightDigits []int
	if rightPresent {
		rightDigits, err = toDigits(right)
		if err != nil {
			return "", treeerr.New(treeerr.ClassValidation, "orderkey.GenerateKeyBetween", err)
		}
	}

	n := len(leftDigits)
	if len(rightDigits) > n {
		n = len(rightDigits)
	}

	intA := digitsToInt(padDigits(leftDigits, n))
	var intB *big.Int
	if rightPresent {
		intB = digitsToInt(padDigits(rightDigits, n))
	} else {
		// Absent right bound is represented as the value 1.0, i.e. one
		// past the largest n-digit value.
		intB = new(big.Int).Exp(base, big.NewInt(int64(n)), nil)
	}

	for {
		sum := new(big.Int).Add(intA, intB)
		if sum.Bit(0) == 0 {
			mid := new(big.Int).Rsh(sum, 1)
			return digitsToKey(intToDigits(mid, n)), nil
		}
		// Odd sum: extend precision by one digit (multiply both operands
		// by the even base), which always makes the sum even.
		n++
		intA = new(big.Int).Mul(intA, base)
		intB = new(big.Int).Mul(intB, base)
	}
}

// Less reports whether a sorts before b under plain byte-wise comparison,
// which is the ordering siblings are rendered in.
func Less(a, b string) bool { return a < b }

func toDigits(key string) ([]int, error) {
	digits := make([]int, len(key))
	for i := 0; i < len(key); i++ {
		idx := digitIndex[key[i]]
		if idx < 0 {
			return nil, fmt.Errorf("invalid order key byte %q in %q", key[i], key)
		}
		digits[i] = int(idx)
	}
	return digits, nil
}

func padDigits(digits []int, n int) []int {
	if len(digits) >= n {
		return digits
	}
	padded := make([]int, n)
	copy(padded, digits)
	return padded
}

func digitsToInt(digits []int) *big.Int {
	v := new(big.Int)
	for _, d := range digits {
		v.Mul(v, base)
		v.Add(v, big.NewInt(int64(d)))
	}
	return v
}

func intToDigits(v *big.Int, n int) []int {
	digits := make([]int, n)
	rem := new(big.Int).Set(v)
	mod := new(big.Int)
	for i := n - 1; i >= 0; i-- {
		rem.DivMod(rem, base, mod)
		digits[i] = int(mod.Int64())
	}
	return digits
}

// digitsToKey renders digits as a string, trimming trailing zero digits:
// a trailing digit of value 0 contributes nothing to the fraction the key
// represents, so dropping it keeps the string canonical and as short as
// possible while leaving the value unchanged. At least one digit is kept.
func digitsToKey(digits []int) string {
	end := len(digits)
	for end > 1 && digits[end-1] == 0 {
		end--
	}
	var b strings.Builder
	b.Grow(end)
	for _, d := range digits[:end] {
		b.WriteByte(Alphabet[d])
	}
	return b.String()
}
