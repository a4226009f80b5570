package rarest

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func bf(n uint, bits ...uint) *bitset.BitSet {
	b := bitset.New(n)
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestRarestPicksMinimumAvailability(t *testing.T) {
	ix := New(clock.NewMock())
	ix.AddBitfield(bf(5, 0, 1, 2))
	ix.AddBitfield(bf(5, 0, 1))
	ix.AddBitfield(bf(5, 0))

	// piece 0: avail 3, piece 1: avail 2, piece 2: avail 1.
	p, ok := ix.Rarest()
	require.True(t, ok)
	assert.Equal(t, 2, p)
}

func TestRarestEmptyIndex(t *testing.T) {
	ix := New(clock.NewMock())
	_, ok := ix.Rarest()
	assert.False(t, ok)
}

func TestRemoveBitfieldDecrementsAvailability(t *testing.T) {
	ix := New(clock.NewMock())
	ix.AddBitfield(bf(3, 0, 1))
	ix.AddBitfield(bf(3, 0))
	assert.Equal(t, 2, ix.Availability(0))
	assert.Equal(t, 1, ix.Availability(1))

	ix.RemoveBitfield(bf(3, 0, 1))
	assert.Equal(t, 1, ix.Availability(0))
	assert.Equal(t, 0, ix.Availability(1))
}

func TestCompleteRemovesPieceFromIndex(t *testing.T) {
	ix := New(clock.NewMock())
	ix.AddHave(4)
	assert.Equal(t, 1, ix.Len())
	ix.Complete(4)
	assert.Equal(t, 0, ix.Len())
	_, ok := ix.Rarest()
	assert.False(t, ok)
}

func TestAddHaveIncrementsAvailability(t *testing.T) {
	ix := New(clock.NewMock())
	ix.AddHave(7)
	ix.AddHave(7)
	assert.Equal(t, 2, ix.Availability(7))
}
