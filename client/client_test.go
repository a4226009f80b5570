package client

import (
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsavage/goleech/metainfo"
	"github.com/nsavage/goleech/peer"
	"github.com/nsavage/goleech/piece"
)

func TestGeneratePeerIDHasStablePrefix(t *testing.T) {
	id, err := GeneratePeerID("-GL0100-")
	require.NoError(t, err)
	assert.Equal(t, "-GL0100-", string(id[:8]))
}

func TestGeneratePeerIDRejectsWrongTagLength(t *testing.T) {
	_, err := GeneratePeerID("short")
	assert.Error(t, err)
}

func TestGeneratePeerIDIsRandomPerCall(t *testing.T) {
	a, err := GeneratePeerID("-GL0100-")
	require.NoError(t, err)
	b, err := GeneratePeerID("-GL0100-")
	require.NoError(t, err)
	assert.NotEqual(t, a[8:], b[8:])
}

// TestDownloadFailStopsAndRecordsError exercises the fatal-error path a
// piece.ErrStorage delivery must take (§4.8, §7: a write error is fatal
// for the torrent, unlike a peer-protocol error). fail must record the
// error for Err() and stop the download so a caller polling Progress/
// IsDone doesn't spin forever (§6's exit contract).
func TestDownloadFailStopsAndRecordsError(t *testing.T) {
	data := []byte("some block bytes used only to size a piece")
	hash := sha1.Sum(data)
	mi := &metainfo.Metainfo{
		Name:        "fail.bin",
		PieceLength: int64(len(data)),
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.File{{Path: "fail.bin", Length: int64(len(data)), Offset: 0}},
		TotalLength: int64(len(data)),
	}

	dir := t.TempDir()
	assembler, err := piece.New(mi, dir, clock.NewMock())
	require.NoError(t, err)

	pool := peer.NewPool(mi.InfoHash, [20]byte{}, mi.NumPieces(), clock.NewMock())

	d := &Download{
		mi:        mi,
		assembler: assembler,
		pool:      pool,
		log:       logrus.NewEntry(logrus.New()),
		stop:      make(chan struct{}),
	}

	assert.NoError(t, d.Err())
	assert.False(t, isClosed(d.stop))

	d.fail(fmt.Errorf("%w: disk full", piece.ErrStorage))

	assert.ErrorIs(t, d.Err(), piece.ErrStorage)
	assert.True(t, isClosed(d.stop))

	// A second fatal error must not overwrite the first.
	d.fail(fmt.Errorf("second unrelated error"))
	assert.ErrorIs(t, d.Err(), piece.ErrStorage)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
