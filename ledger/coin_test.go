package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinSplit(t *testing.T) {
	c := NewCoin(100)

	part, err := c.Split(30)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), part.Value())
	assert.Equal(t, uint64(70), c.Value())

	rest, err := c.Split(70)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), rest.Value())
	assert.True(t, c.IsZero())
}

func TestCoinSplitOverdraw(t *testing.T) {
	c := NewCoin(10)

	_, err := c.Split(11)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	// A failed split leaves the coin untouched.
	assert.Equal(t, uint64(10), c.Value())
}

func TestCoinSplitZero(t *testing.T) {
	c := NewCoin(10)

	part, err := c.Split(0)
	require.NoError(t, err)
	assert.True(t, part.IsZero())
	assert.Equal(t, uint64(10), c.Value())
}

func TestCoinJoin(t *testing.T) {
	c := NewCoin(5)
	c.Join(NewCoin(7))
	assert.Equal(t, uint64(12), c.Value())

	c.Join(ZeroCoin())
	assert.Equal(t, uint64(12), c.Value())
}

func TestCoinConservation(t *testing.T) {
	c := NewCoin(1000)
	fee, err := c.Split(10)
	require.NoError(t, err)

	// Total value is preserved across a split and rejoins cleanly.
	assert.Equal(t, uint64(1000), c.Value()+fee.Value())
	c.Join(fee)
	assert.Equal(t, uint64(1000), c.Value())
}
