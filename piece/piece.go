// Package piece implements the piece/block state machine and the
// FileSegment mapping described for the assembler (§3, §4.7). It is
// grounded in teacher's client.go downloadPieces (pieceToFile offset
// arithmetic, per-piece hash check against inf.Pieces) generalized from
// "one piece per channel delivery" to the block-level state machine the
// spec requires, with PENDING-timeout reclaim modeled on uber-kraken's
// dispatch/piecerequest.Manager (requestsByPeer bookkeeping + clock-based
// expiry).
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"

	"github.com/nsavage/goleech/metainfo"
	"github.com/nsavage/goleech/peerwire"
	"github.com/nsavage/goleech/storage"
)

// BlockState is a block's position in the §3 state machine.
type BlockState int

const (
	Free BlockState = iota
	Pending
	Full
)

// PendingTimeout reverts a PENDING block to FREE after this long without a
// delivery (§4.7, §5).
const PendingTimeout = 10 * time.Second

// ErrInvalidOffset is returned when on_block is given an offset that is
// not block-aligned or out of range.
var ErrInvalidOffset = errors.New("piece: block offset invalid")

// ErrBlockLengthMismatch is returned when a delivered block's length does
// not match its expected size.
var ErrBlockLengthMismatch = errors.New("piece: block length mismatch")

// ErrHashMismatch is logged (never returned to a caller) when a piece's
// concatenated blocks fail SHA-1 verification; per §7 this is never fatal
// and is not attributed to a specific peer on first occurrence.
var ErrHashMismatch = errors.New("piece: hash verification failed")

// ErrStorage wraps a file I/O failure from writePiece. Per §4.8/§7,
// FileIOError is fatal for the torrent, unlike every other error OnBlock
// can return (ErrInvalidOffset, ErrBlockLengthMismatch), which are
// peer-protocol issues the caller should log and otherwise ignore.
// Callers MUST check errors.Is(err, ErrStorage) to tell the two apart.
var ErrStorage = errors.New("piece: storage write failed")

type block struct {
	offset    int
	length    int
	state     BlockState
	data      []byte
	updatedAt time.Time
}

// FileSegment maps a byte range of a piece onto a byte range of an output
// file (§3).
type FileSegment struct {
	Path        string
	FileOffset  int64
	PieceOffset int
	Length      int
}

type pieceRecord struct {
	index    int
	length   int
	hash     [20]byte
	blocks   []*block
	complete bool
	segments []FileSegment
}

func (p *pieceRecord) allFull() bool {
	for _, b := range p.blocks {
		if b.state != Full {
			return false
		}
	}
	return true
}

func (p *pieceRecord) concat() []byte {
	out := make([]byte, 0, p.length)
	for _, b := range p.blocks {
		out = append(out, b.data...)
	}
	return out
}

func (p *pieceRecord) resetToFree() {
	for _, b := range p.blocks {
		b.state = Free
		b.data = nil
	}
}

// Assembler owns the piece table and the output files for one download
// (§3: "the assembler exclusively owns the piece table and the file
// handles").
type Assembler struct {
	mu     sync.Mutex
	pieces []*pieceRecord
	writer *storage.Writer
	clock  clock.Clock
	log    *logrus.Entry

	completedCount int
	bytesReceived  int64

	// OnPieceComplete is invoked (outside the lock) whenever a piece
	// passes hash verification; the client uses it to update the rarest
	// index. No Have message is sent to peers.
	OnPieceComplete func(index int)
	// OnHashMismatch is invoked whenever a piece fails verification.
	OnHashMismatch func(index int)
}

// New builds the piece table and FileSegment mapping from mi and
// pre-allocates every output file under outDir (§4.7).
func New(mi *metainfo.Metainfo, outDir string, clk clock.Clock) (*Assembler, error) {
	if clk == nil {
		clk = clock.New()
	}
	w, err := storage.New(outDir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(mi.Files))
	lengths := make([]int64, len(mi.Files))
	for i, f := range mi.Files {
		paths[i] = f.Path
		lengths[i] = f.Length
	}
	if err := w.Allocate(paths, lengths); err != nil {
		return nil, err
	}

	n := mi.NumPieces()
	pieces := make([]*pieceRecord, n)
	for i := 0; i < n; i++ {
		pieceLen := int(mi.PieceLen(i))
		blocks := buildBlocks(pieceLen)
		pieces[i] = &pieceRecord{
			index:    i,
			length:   pieceLen,
			hash:     mi.PieceHashes[i],
			blocks:   blocks,
			segments: segmentsForPiece(mi, i, pieceLen),
		}
	}

	return &Assembler{
		pieces: pieces,
		writer: w,
		clock:  clk,
		log:    logrus.WithField("component", "assembler"),
	}, nil
}

func buildBlocks(pieceLen int) []*block {
	var blocks []*block
	offset := 0
	for offset < pieceLen {
		length := peerwire.BlockSize
		if offset+length > pieceLen {
			length = pieceLen - offset
		}
		blocks = append(blocks, &block{offset: offset, length: length, state: Free})
		offset += length
	}
	return blocks
}

// segmentsForPiece computes the FileSegment list for piece index i,
// walking mi.Files in offset order (they are already stored with
// cumulative Offset, per metainfo.Load).
func segmentsForPiece(mi *metainfo.Metainfo, index int, pieceLen int) []FileSegment {
	pieceStart := int64(index) * mi.PieceLength
	pieceEnd := pieceStart + int64(pieceLen)

	var segments []FileSegment
	for _, f := range mi.Files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length
		start := maxInt64(pieceStart, fileStart)
		end := minInt64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}
		segments = append(segments, FileSegment{
			Path:        f.Path,
			FileOffset:  start - fileStart,
			PieceOffset: int(start - pieceStart),
			Length:      int(end - start),
		})
	}
	return segments
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NumPieces returns the total piece count N.
func (a *Assembler) NumPieces() int {
	return len(a.pieces)
}

// PieceLength returns the length of piece i.
func (a *Assembler) PieceLength(i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pieces[i].length
}

// IsComplete reports whether piece i has already passed hash verification.
func (a *Assembler) IsComplete(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pieces[i].complete
}

// IsDone reports whether every piece is complete (§4.7).
func (a *Assembler) IsDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completedCount == len(a.pieces)
}

// CompletedCount returns the number of pieces that have passed hash
// verification.
func (a *Assembler) CompletedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completedCount
}

// BytesReceived returns the total bytes of block payload accepted so far,
// including blocks belonging to pieces that later failed verification
// (§3's byte counters are per-session; this is the assembler-wide total
// used by the process-level Progress report).
func (a *Assembler) BytesReceived() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesReceived
}

// OnBlock delivers a received block to the assembler (§4.7's on_block).
func (a *Assembler) OnBlock(pieceIndex, offset int, data []byte) error {
	a.mu.Lock()
	if pieceIndex < 0 || pieceIndex >= len(a.pieces) {
		a.mu.Unlock()
		return fmt.Errorf("%w: piece index %d out of range", ErrInvalidOffset, pieceIndex)
	}
	p := a.pieces[pieceIndex]
	if p.complete {
		a.mu.Unlock()
		return nil // duplicate delivery for an already-complete piece
	}
	if offset%peerwire.BlockSize != 0 {
		a.mu.Unlock()
		return fmt.Errorf("%w: offset %d not block-aligned", ErrInvalidOffset, offset)
	}
	b := findBlock(p, offset)
	if b == nil {
		a.mu.Unlock()
		return fmt.Errorf("%w: no block at offset %d in piece %d", ErrInvalidOffset, offset, pieceIndex)
	}
	if b.state == Full {
		a.mu.Unlock()
		return nil // duplicate delivery
	}
	if len(data) != b.length {
		a.mu.Unlock()
		return fmt.Errorf("%w: piece %d block %d expected %d bytes got %d", ErrBlockLengthMismatch, pieceIndex, offset, b.length, len(data))
	}

	b.data = append([]byte(nil), data...)
	b.state = Full
	b.updatedAt = a.clock.Now()
	a.bytesReceived += int64(len(data))

	complete := p.allFull()
	var verified bool
	var mismatched bool
	if complete {
		full := p.concat()
		got := sha1.Sum(full)
		if bytes.Equal(got[:], p.hash[:]) {
			verified = true
			p.complete = true
			a.completedCount++
		} else {
			mismatched = true
			p.resetToFree()
		}
		if verified {
			a.mu.Unlock()
			if err := a.writePiece(p, full); err != nil {
				return fmt.Errorf("%w: piece %d: %v", ErrStorage, pieceIndex, err)
			}
			if a.OnPieceComplete != nil {
				a.OnPieceComplete(pieceIndex)
			}
			return nil
		}
	}
	a.mu.Unlock()

	if mismatched {
		a.log.WithError(ErrHashMismatch).WithField("piece", pieceIndex).Warn("resetting piece blocks")
		if a.OnHashMismatch != nil {
			a.OnHashMismatch(pieceIndex)
		}
	}
	return nil
}

func findBlock(p *pieceRecord, offset int) *block {
	for _, b := range p.blocks {
		if b.offset == offset {
			return b
		}
	}
	return nil
}

func (a *Assembler) writePiece(p *pieceRecord, data []byte) error {
	for _, seg := range p.segments {
		if seg.PieceOffset+seg.Length > len(data) {
			return fmt.Errorf("storage: segment overruns piece %d data", p.index)
		}
		slice := data[seg.PieceOffset : seg.PieceOffset+seg.Length]
		if err := a.writer.WriteAt(seg.Path, seg.FileOffset, slice); err != nil {
			return err
		}
	}
	return nil
}

// NextBlockRequest returns the next FREE block of piece i to request,
// reclaiming any PENDING block whose timeout has expired first (§4.7).
func (a *Assembler) NextBlockRequest(pieceIndex int) (offset, length int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(a.pieces) {
		return 0, 0, false
	}
	p := a.pieces[pieceIndex]
	if p.complete {
		return 0, 0, false
	}

	now := a.clock.Now()
	for _, b := range p.blocks {
		if b.state == Pending && now.Sub(b.updatedAt) >= PendingTimeout {
			b.state = Free
		}
	}
	for _, b := range p.blocks {
		if b.state == Free {
			b.state = Pending
			b.updatedAt = now
			return b.offset, b.length, true
		}
	}
	return 0, 0, false
}

// ReclaimTimedOutBlocks sweeps every incomplete piece for PENDING blocks
// whose timeout has expired and resets them to FREE (driven periodically
// by the download driver, §4.10 step 1).
func (a *Assembler) ReclaimTimedOutBlocks() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	for _, p := range a.pieces {
		if p.complete {
			continue
		}
		for _, b := range p.blocks {
			if b.state == Pending && now.Sub(b.updatedAt) >= PendingTimeout {
				b.state = Free
			}
		}
	}
}

// Close releases the underlying output files.
func (a *Assembler) Close() error {
	return a.writer.Close()
}
