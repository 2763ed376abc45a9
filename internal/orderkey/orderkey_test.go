package orderkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/core/internal/treeerr"
)

func TestGenerateKeyBetween_BothAbsent(t *testing.T) {
	key, err := GenerateKeyBetween("", "")
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}

func TestGenerateKeyBetween_AppendAtEnd(t *testing.T) {
	a, err := GenerateKeyBetween("", "")
	require.NoError(t, err)

	b, err := GenerateKeyBetween(a, "")
	require.NoError(t, err)
	assert.True(t, Less(a, b), "expected %q < %q", a, b)

	c, err := GenerateKeyBetween(b, "")
	require.NoError(t, err)
	assert.True(t, Less(b, c))
}

func TestGenerateKeyBetween_PrependAtStart(t *testing.T) {
	a, err := GenerateKeyBetween("", "")
	require.NoError(t, err)

	b, err := GenerateKeyBetween("", a)
	require.NoError(t, err)
	assert.True(t, Less(b, a))

	c, err := GenerateKeyBetween("", b)
	require.NoError(t, err)
	assert.True(t, Less(c, b))
}

func TestGenerateKeyBetween_DenseInsertion(t *testing.T) {
	left, err := GenerateKeyBetween("", "")
	require.NoError(t, err)
	right, err := GenerateKeyBetween(left, "")
	require.NoError(t, err)

	cur := left
	for i := 0; i < 200; i++ {
		mid, err := GenerateKeyBetween(cur, right)
		require.NoErrorf(t, err, "iteration %d", i)
		assert.Truef(t, Less(cur, mid), "iteration %d: %q should be < %q", i, cur, mid)
		assert.Truef(t, Less(mid, right), "iteration %d: %q should be < %q", i, mid, right)
		cur = mid
	}
}

func TestGenerateKeyBetween_InvalidOrder(t *testing.T) {
	_, err := GenerateKeyBetween("b", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, treeerr.ErrInvalidOrder)
	assert.True(t, treeerr.Is(err, treeerr.ClassValidation))
}

func TestGenerateKeyBetween_EqualOrder(t *testing.T) {
	_, err := GenerateKeyBetween("a", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, treeerr.ErrInvalidOrder)
}

func TestGenerateKeyBetween_InvalidByte(t *testing.T) {
	_, err := GenerateKeyBetween("!!!", "")
	require.Error(t, err)
}

func TestDigitsToKey_NoTrailingZero(t *testing.T) {
	key, err := GenerateKeyBetween("", "1")
	require.NoError(t, err)
	assert.NotEqual(t, byte('0'), key[len(key)-1], "canonical key must not end in the zero digit: %q", key)
}
