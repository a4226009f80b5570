// Package rarest implements the rarest-piece availability index (§4.9),
// grounded in uber-kraken's dispatch/piecerequest rarest_first_policy.go
// (an availability-sorted candidate set restricted to pieces a session
// actually has) generalized to own its own counters instead of reading a
// caller-supplied syncutil.Counters, with the lazy min-heap rebuild the
// spec explicitly allows as an optional upgrade over a linear scan.
package rarest

import (
	"container/heap"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// RebuildInterval bounds how stale the heap's ordering is allowed to get
// before a query forces a rebuild (§4.9: "lazy rebuild every 30 s").
const RebuildInterval = 30 * time.Second

type entry struct {
	piece      int
	avail      int
	lastAccess time.Time
	index      int // position in the heap, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].avail != h[j].avail {
		return h[i].avail < h[j].avail
	}
	return h[i].lastAccess.Before(h[j].lastAccess)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Index tracks, for every incomplete piece, how many ACTIVE sessions
// claim to have it.
type Index struct {
	mu      sync.Mutex
	byPiece map[int]*entry
	heap    entryHeap
	dirty   bool
	lastBuild time.Time

	clock clock.Clock
}

// New creates an empty index; entries are created as pieces are first
// advertised.
func New(clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.New()
	}
	return &Index{
		byPiece: make(map[int]*entry),
		clock:   clk,
	}
}

func (ix *Index) getOrCreate(piece int) *entry {
	e, ok := ix.byPiece[piece]
	if !ok {
		e = &entry{piece: piece, lastAccess: ix.clock.Now()}
		ix.byPiece[piece] = e
		ix.dirty = true
	}
	return e
}

// AddBitfield increments availability for every set bit, used when a
// Bitfield message is received (§4.9).
func (ix *Index) AddBitfield(bf *bitset.BitSet) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, ok := bf.NextSet(0); ok; i, ok = bf.NextSet(i + 1) {
		e := ix.getOrCreate(int(i))
		e.avail++
		ix.dirty = true
	}
}

// AddHave increments availability for a single piece, used when a Have
// message is received (§4.9).
func (ix *Index) AddHave(piece int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := ix.getOrCreate(piece)
	e.avail++
	ix.dirty = true
}

// RemoveBitfield decrements availability for every set bit, used when the
// owning session closes (§4.9).
func (ix *Index) RemoveBitfield(bf *bitset.BitSet) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, ok := bf.NextSet(0); ok; i, ok = bf.NextSet(i + 1) {
		e, exists := ix.byPiece[int(i)]
		if !exists {
			continue
		}
		e.avail--
		if e.avail <= 0 {
			delete(ix.byPiece, int(i))
		}
		ix.dirty = true
	}
}

// Complete removes piece from the index once it passes hash verification
// (§4.9).
func (ix *Index) Complete(piece int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.byPiece, piece)
	ix.dirty = true
}

// rebuild recomputes the heap from byPiece. Must be called with mu held.
func (ix *Index) rebuild() {
	ix.heap = ix.heap[:0]
	for _, e := range ix.byPiece {
		ix.heap = append(ix.heap, e)
	}
	heap.Init(&ix.heap)
	ix.dirty = false
	ix.lastBuild = ix.clock.Now()
}

// Rarest returns an incomplete piece with the minimum positive
// availability, ties broken by least-recently-selected (§4.9). Returns
// (0, false) if no piece has positive availability.
func (ix *Index) Rarest() (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dirty || ix.clock.Now().Sub(ix.lastBuild) >= RebuildInterval {
		ix.rebuild()
	}

	// Stale entries (availability dropped to 0 without a rebuild, or a
	// piece completed since the heap was last built) are skipped and
	// discarded lazily.
	for ix.heap.Len() > 0 {
		top := ix.heap[0]
		current, ok := ix.byPiece[top.piece]
		if !ok || current != top || current.avail <= 0 {
			heap.Pop(&ix.heap)
			continue
		}
		current.lastAccess = ix.clock.Now()
		heap.Fix(&ix.heap, 0)
		return current.piece, true
	}
	return 0, false
}

// Availability returns the current availability count of piece, or 0 if
// untracked.
func (ix *Index) Availability(piece int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.byPiece[piece]
	if !ok {
		return 0
	}
	return e.avail
}

// Len returns how many incomplete pieces the index currently tracks.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byPiece)
}
