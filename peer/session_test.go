package peer

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsavage/goleech/peerwire"
)

func newTestSession(t *testing.T) (*Session, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := New(net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, 10, mock)
	return s, mock
}

func TestSessionInitialState(t *testing.T) {
	s, _ := newTestSession(t)
	assert.Equal(t, Disconnected, s.State())
	assert.False(t, s.Eligible())
}

func TestSessionDispatchChokeUnchoke(t *testing.T) {
	s, _ := newTestSession(t)
	s.state = Active
	s.amInterested = true

	require.NoError(t, s.dispatch(&peerwire.Message{Type: peerwire.Unchoke}))
	assert.False(t, s.peerChoking)

	require.NoError(t, s.dispatch(&peerwire.Message{Type: peerwire.Choke}))
	assert.True(t, s.peerChoking)
}

func TestSessionDispatchHave(t *testing.T) {
	s, _ := newTestSession(t)
	s.state = Active

	msg := &peerwire.Message{Type: peerwire.Have, Payload: []byte{0, 0, 0, 3}}
	require.NoError(t, s.dispatch(msg))
	assert.True(t, s.HasPiece(3))
	assert.False(t, s.HasPiece(4))
}

func TestSessionDispatchBitfield(t *testing.T) {
	s, _ := newTestSession(t)
	s.state = Active
	s.numPieces = 10

	// bits: 10000000 01000000 -> piece 0 and piece 9 set.
	msg := &peerwire.Message{Type: peerwire.Bitfield, Payload: []byte{0x80, 0x40}}
	require.NoError(t, s.dispatch(msg))
	assert.True(t, s.HasPiece(0))
	assert.True(t, s.HasPiece(9))
	assert.False(t, s.HasPiece(1))
}

func TestSessionEligibleRequiresUnchokedAndInterested(t *testing.T) {
	s, mock := newTestSession(t)
	s.state = Active
	s.amInterested = true
	s.peerChoking = true
	s.lastOutbound = mock.Now().Add(-time.Hour)
	assert.False(t, s.Eligible(), "still choked")

	s.peerChoking = false
	assert.True(t, s.Eligible())

	s.lastOutbound = mock.Now()
	assert.False(t, s.Eligible(), "too soon since last request")

	mock.Add(MinRequestSpacing)
	assert.True(t, s.Eligible())
}

func TestSessionPieceDecrementsInFlight(t *testing.T) {
	s, _ := newTestSession(t)
	s.state = Active
	s.inFlight = 2

	msg := &peerwire.Message{Type: peerwire.Piece, Payload: append([]byte{0, 0, 0, 1, 0, 0, 0, 0}, []byte("data")...)}
	var got BlockEvent
	s.OnBlock = func(ev BlockEvent) { got = ev }
	require.NoError(t, s.dispatch(msg))
	assert.Equal(t, 1, s.InFlight())
	assert.Equal(t, 1, got.PieceIndex)
	assert.Equal(t, "data", string(got.Data))
}

func TestSessionChokeResetsInFlight(t *testing.T) {
	s, _ := newTestSession(t)
	s.state = Active
	s.inFlight = 3
	require.NoError(t, s.dispatch(&peerwire.Message{Type: peerwire.Choke}))
	assert.Equal(t, 0, s.InFlight())
}

func TestSessionIdleAfterInactivityTimeout(t *testing.T) {
	s, mock := newTestSession(t)
	s.state = Active
	s.lastActivity = mock.Now()
	assert.False(t, s.Idle())

	mock.Add(inactivityTimeout)
	assert.True(t, s.Idle())
}
