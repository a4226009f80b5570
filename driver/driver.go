// Package driver runs the periodic download loop described in §4.10 and
// §2: it reclaims timed-out block requests, pulls piece-index candidates
// from the rarest-piece index, asks the peer pool for an eligible peer
// via pick_peer_having (§4.6), and issues new Request messages up to the
// pipeline depth. It is grounded in teacher's client.go download loop
// (the notification/progress ticker around results) generalized from
// "one piece per worker" to the per-tick request-record bookkeeping
// uber-kraken's dispatch/piecerequest.Manager uses, with the same
// injectable clock for the 45 s pending-request expiry.
package driver

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"

	"github.com/nsavage/goleech/peer"
	"github.com/nsavage/goleech/piece"
	"github.com/nsavage/goleech/rarest"
)

// TickInterval is the default period between driver ticks (§4.10).
const TickInterval = 200 * time.Millisecond

// requestsPerTick bounds how many Request sends a single Tick will
// attempt, so a run of misses (no session has room, no FREE block right
// now) can't spin the loop forever within one tick.
const requestsPerTick = 64

// PendingRecordTimeout drops a driver-level pending-request record after
// this long even if the block timeout hasn't separately reclaimed it
// (§4.10 step 3, §5).
const PendingRecordTimeout = 45 * time.Second

type pendingRequest struct {
	session *peer.Session
	piece   int
	offset  int
	sentAt  time.Time
}

// Driver ties the peer pool, the rarest index, and the assembler together
// into the periodic scan described in §4.10.
type Driver struct {
	pool      *peer.Pool
	assembler *piece.Assembler
	rarestIx  *rarest.Index
	clock     clock.Clock
	log       *logrus.Entry

	mu      sync.Mutex
	pending []*pendingRequest

	// PipelineDepth caps outstanding requests per session (§4.7's K=5).
	PipelineDepth int
}

// New builds a Driver wired to the given pool, assembler, and rarest
// index. Callers should run Run in its own goroutine (§5: "the driver is
// a periodic task").
func New(pool *peer.Pool, assembler *piece.Assembler, rarestIx *rarest.Index, clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.New()
	}
	return &Driver{
		pool:          pool,
		assembler:     assembler,
		rarestIx:      rarestIx,
		clock:         clk,
		log:           logrus.WithField("component", "driver"),
		PipelineDepth: peer.PipelineDepth,
	}
}

// Run executes one tick every TickInterval until stop is closed.
func (d *Driver) Run(stop <-chan struct{}) {
	ticker := d.clock.Ticker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.Tick()
		}
	}
}

// Tick performs one iteration of the §4.10 loop: reclaim timeouts, pull
// piece candidates from the rarest index and match them to eligible
// peers, and drop stale pending-request records.
func (d *Driver) Tick() {
	d.assembler.ReclaimTimedOutBlocks()
	d.pool.GC()
	d.dropStalePending()

	for i := 0; i < requestsPerTick; i++ {
		if !d.requestOneBlock() {
			return
		}
	}
}

// requestOneBlock is one pull of §2's control flow: "the driver pulls
// piece-index candidates from the rarest-piece index, asks the peer pool
// for an eligible peer, and emits Request messages." It asks the rarest
// index for a candidate piece, then asks the pool's pick_peer_having
// (§4.6) for an eligible session that has it, and sends one Request if
// the session still has pipeline room and the piece has a FREE block.
//
// Returns false only when the rarest index has nothing left to offer at
// all (every piece complete, or no peer has advertised an incomplete
// piece) — any other miss (the picked session has no pipeline room, or
// the piece has no FREE block right now) is a no-op this iteration so
// Tick keeps trying other piece/peer combinations within its budget.
func (d *Driver) requestOneBlock() bool {
	pieceIndex, ok := d.rarestIx.Rarest()
	if !ok {
		return false
	}
	sess := d.pool.PickPeerHaving(pieceIndex)
	if sess == nil || sess.InFlight() >= d.PipelineDepth {
		return true
	}
	offset, length, ok := d.assembler.NextBlockRequest(pieceIndex)
	if !ok {
		return true
	}
	if err := sess.SendRequest(pieceIndex, offset, length); err != nil {
		d.log.WithError(err).WithField("peer", sess.Addr.String()).Debug("request send failed")
		return true
	}
	d.recordPending(sess, pieceIndex, offset)
	return true
}

func (d *Driver) recordPending(sess *peer.Session, pieceIndex, offset int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, &pendingRequest{
		session: sess,
		piece:   pieceIndex,
		offset:  offset,
		sentAt:  d.clock.Now(),
	})
}

func (d *Driver) dropStalePending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if now.Sub(p.sentAt) < PendingRecordTimeout {
			kept = append(kept, p)
		}
	}
	d.pending = kept
}

// PendingCount reports how many driver-level pending-request records are
// currently tracked; exported for tests.
func (d *Driver) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// IsDone reports whether the assembler has completed every piece.
func (d *Driver) IsDone() bool {
	return d.assembler.IsDone()
}
