package piece

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsavage/goleech/metainfo"
	"github.com/nsavage/goleech/peerwire"
)

// buildSinglePieceTorrent returns a metainfo describing one file whose
// single piece is exactly one block long, plus the block's plaintext.
func buildSinglePieceTorrent(t *testing.T, data []byte) *metainfo.Metainfo {
	t.Helper()
	hash := sha1.Sum(data)
	return &metainfo.Metainfo{
		Name:        "single.bin",
		PieceLength: int64(len(data)),
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.File{{Path: "single.bin", Length: int64(len(data)), Offset: 0}},
		TotalLength: int64(len(data)),
		Announce:    []string{"http://tracker.example/announce"},
	}
}

func TestAssemblerOnBlockCompletesAndWritesPiece(t *testing.T) {
	data := []byte("hello world, this is one block of data")
	mi := buildSinglePieceTorrent(t, data)

	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)
	defer a.Close()

	var completed []int
	a.OnPieceComplete = func(i int) { completed = append(completed, i) }

	require.NoError(t, a.OnBlock(0, 0, data))
	assert.True(t, a.IsDone())
	assert.Equal(t, []int{0}, completed)

	written, err := os.ReadFile(filepath.Join(dir, "single.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestAssemblerOnBlockHashMismatchResetsToFree(t *testing.T) {
	data := []byte("the real data for this block")
	mi := buildSinglePieceTorrent(t, data)

	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)
	defer a.Close()

	var mismatched []int
	a.OnHashMismatch = func(i int) { mismatched = append(mismatched, i) }

	corrupted := []byte("the fake data for this block")
	require.NoError(t, a.OnBlock(0, 0, corrupted))
	assert.False(t, a.IsDone())
	assert.Equal(t, []int{0}, mismatched)

	// The block should be FREE again and requestable.
	offset, length, ok := a.NextBlockRequest(0)
	assert.True(t, ok)
	assert.Equal(t, 0, offset)
	assert.Equal(t, len(data), length)

	require.NoError(t, a.OnBlock(0, 0, data))
	assert.True(t, a.IsDone())
}

func TestAssemblerRejectsUnalignedOffset(t *testing.T) {
	data := make([]byte, peerwire.BlockSize)
	mi := buildSinglePieceTorrent(t, data)
	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)
	defer a.Close()

	err = a.OnBlock(0, 100, data)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestAssemblerDuplicateDeliveryIgnored(t *testing.T) {
	data := []byte("duplicate-safe block contents!!")
	mi := buildSinglePieceTorrent(t, data)
	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.OnBlock(0, 0, data))
	// Second delivery of the same already-FULL/complete block must not error.
	require.NoError(t, a.OnBlock(0, 0, data))
	assert.True(t, a.IsDone())
}

func TestNextBlockRequestReclaimsTimedOutPending(t *testing.T) {
	pieceLen := peerwire.BlockSize * 2
	data := make([]byte, pieceLen)
	mi := buildSinglePieceTorrent(t, data)
	dir := t.TempDir()

	mock := clock.NewMock()
	a, err := New(mi, dir, mock)
	require.NoError(t, err)
	defer a.Close()

	off1, _, ok := a.NextBlockRequest(0)
	require.True(t, ok)
	assert.Equal(t, 0, off1)

	// Second block is FREE; request it too.
	off2, _, ok := a.NextBlockRequest(0)
	require.True(t, ok)
	assert.Equal(t, peerwire.BlockSize, off2)

	// No more FREE blocks right now.
	_, _, ok = a.NextBlockRequest(0)
	assert.False(t, ok)

	mock.Add(PendingTimeout + time.Second)

	// Both blocks should be reclaimed to FREE and requestable again.
	off3, _, ok := a.NextBlockRequest(0)
	require.True(t, ok)
	assert.Contains(t, []int{0, peerwire.BlockSize}, off3)
}

func TestAssemblerWrapsWriteFailureAsErrStorage(t *testing.T) {
	data := []byte("this block will fail to write to disk")
	mi := buildSinglePieceTorrent(t, data)
	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)

	// Close the writer's underlying file handles up front so the
	// completing WriteAt fails, simulating a disk/permission error
	// (§4.8, §7: FileIOError is fatal for the torrent).
	require.NoError(t, a.Close())

	err = a.OnBlock(0, 0, data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrInvalidOffset)
}

func TestMultiFileSegments(t *testing.T) {
	// Two files of 10 and 20 bytes and 16-byte pieces, so piece 0 spans
	// both files: bytes [0,10) from file a, [10,16) from file b.
	pieceData := make([]byte, 16)
	for i := range pieceData {
		pieceData[i] = byte(i)
	}
	hash := sha1.Sum(pieceData)
	mi := &metainfo.Metainfo{
		Name:        "multi",
		PieceLength: 16,
		PieceHashes: [][20]byte{hash, {}},
		Files: []metainfo.File{
			{Path: filepath.Join("multi", "a.bin"), Length: 10, Offset: 0},
			{Path: filepath.Join("multi", "b.bin"), Length: 20, Offset: 10},
		},
		TotalLength: 30,
	}

	dir := t.TempDir()
	a, err := New(mi, dir, clock.NewMock())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.OnBlock(0, 0, pieceData))
	assert.True(t, a.IsComplete(0))

	gotA, err := os.ReadFile(filepath.Join(dir, "multi", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, pieceData[:10], gotA)

	gotB, err := os.ReadFile(filepath.Join(dir, "multi", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, pieceData[10:], gotB[:6])
}
