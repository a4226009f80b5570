package driver

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/nsavage/goleech/metainfo"
	"github.com/nsavage/goleech/peer"
	"github.com/nsavage/goleech/peerwire"
	"github.com/nsavage/goleech/piece"
	"github.com/nsavage/goleech/rarest"
)

// fakeRemotePeer accepts one connection, completes the handshake, claims
// piece 0 via Bitfield, unchokes immediately, and reports the first
// Request frame it receives on requestSeen.
func fakeRemotePeer(t *testing.T, infoHash [20]byte) (addr net.TCPAddr, requestSeen chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	requestSeen = make(chan struct{}, 1)
	tcpAddr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, peerwire.HandshakeSize)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		var remoteID [20]byte
		copy(remoteID[:], []byte("REMOTEPEERIDENTITY12"))
		resp := peerwire.Handshake{InfoHash: infoHash, PeerID: remoteID}
		if _, err := conn.Write(resp.Marshal()); err != nil {
			return
		}

		if _, err := conn.Write(peerwire.BitfieldMsg([]byte{0x80})); err != nil {
			return
		}
		if _, err := conn.Write(peerwire.UnchokeMsg()); err != nil {
			return
		}

		for {
			msg, err := peerwire.ReadMessage(conn, peerwire.DefaultMaxMessageLength)
			if err != nil {
				return
			}
			if msg != nil && msg.Type == peerwire.Request {
				select {
				case requestSeen <- struct{}{}:
				default:
				}
			}
		}
	}()

	return *tcpAddr, requestSeen
}

func TestDriverTickIssuesRequestToUnchokedPeer(t *testing.T) {
	data := make([]byte, peerwire.BlockSize)
	hash := sha1.Sum(data)
	var infoHash [20]byte
	copy(infoHash[:], []byte("TESTTESTTESTTESTTEST"))
	var localID [20]byte
	copy(localID[:], []byte("LOCALPEERIDENTITY123"))

	mi := &metainfo.Metainfo{
		Name:        "solo.bin",
		PieceLength: int64(len(data)),
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.File{{Path: "solo.bin", Length: int64(len(data)), Offset: 0}},
		TotalLength: int64(len(data)),
	}

	dir := t.TempDir()
	mock := clock.NewMock()
	asm, err := piece.New(mi, dir, mock)
	require.NoError(t, err)
	defer asm.Close()

	rarestIx := rarest.New(mock)
	rarestIx.AddHave(0)
	asm.OnPieceComplete = func(i int) { rarestIx.Complete(i) }

	pool := peer.NewPool(infoHash, localID, 1, mock)
	pool.OnBlock = func(s *peer.Session, ev peer.BlockEvent) {
		asm.OnBlock(ev.PieceIndex, ev.Offset, ev.Data)
	}

	addr, requestSeen := fakeRemotePeer(t, infoHash)
	require.True(t, pool.Add(addr))

	d := New(pool, asm, rarestIx, mock)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.Active()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, pool.Active(), "session never became active")

	// Give the session's read loop a moment to process the Bitfield and
	// Unchoke the fake peer sent right after the handshake.
	time.Sleep(50 * time.Millisecond)

	// The eligibility predicate also requires some elapsed time since the
	// session's last outbound message (§4.5); advance the mock clock past
	// that gate before ticking.
	mock.Add(peer.MinRequestSpacing * 2)

	d.Tick()

	select {
	case <-requestSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("driver never sent a Request to the unchoked peer")
	}
}

func TestDropStalePendingRemovesOldRecords(t *testing.T) {
	mock := clock.NewMock()
	data := make([]byte, peerwire.BlockSize)
	hash := sha1.Sum(data)
	mi := &metainfo.Metainfo{
		Name:        "x.bin",
		PieceLength: int64(len(data)),
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.File{{Path: "x.bin", Length: int64(len(data)), Offset: 0}},
		TotalLength: int64(len(data)),
	}
	dir := t.TempDir()
	asm, err := piece.New(mi, dir, mock)
	require.NoError(t, err)
	defer asm.Close()

	var infoHash, localID [20]byte
	pool := peer.NewPool(infoHash, localID, 1, mock)
	rarestIx := rarest.New(mock)

	d := New(pool, asm, rarestIx, mock)
	d.recordPending(nil, 0, 0)
	require.Equal(t, 1, d.PendingCount())

	mock.Add(PendingRecordTimeout + time.Second)
	d.dropStalePending()
	require.Equal(t, 0, d.PendingCount())
}
