package peer

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"

	"github.com/nsavage/goleech/peerwire"
)

// connectGrace bounds how long a session may sit in Connecting or
// Handshaking before gc() reclaims it (§4.6's "removes sessions stuck in
// a non-ACTIVE state past their deadline").
const connectGrace = connectTimeout + handshakeTimeout + 5*time.Second

// Pool holds the set of live sessions for one download, keyed by address
// (§4.6). It is grounded in teacher's per-piece worker-pool loop
// (client/client.go spins up one goroutine per peer address) generalized
// to the full session lifecycle, and in uber-kraken's
// scheduler.Scheduler / dispatch.Peer split for pick-by-piece and
// inbound routing.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
	started  map[string]time.Time
	rng      *rand.Rand

	numPieces int
	infoHash  [20]byte
	localID   [20]byte
	clock     clock.Clock
	log       *logrus.Entry

	// Handlers, installed on every session this pool creates.
	OnBlock    func(*Session, BlockEvent)
	OnHave     func(*Session, int)
	OnBitfield func(*Session, *bitset.BitSet)
	OnClosed   func(*Session)
}

// NewPool creates an empty pool for one torrent.
func NewPool(infoHash, localID [20]byte, numPieces int, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	return &Pool{
		sessions:  make(map[string]*Session),
		started:   make(map[string]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		numPieces: numPieces,
		infoHash:  infoHash,
		localID:   localID,
		clock:     clk,
		log:       logrus.WithField("component", "peerpool"),
	}
}

// Add registers addr and starts a goroutine that dials, handshakes, and
// runs its read loop. Returns false if addr is already tracked.
func (p *Pool) Add(addr net.TCPAddr) bool {
	key := addr.String()

	p.mu.Lock()
	if _, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return false
	}
	sess := New(addr, p.numPieces, p.clock)
	sess.OnHave = func(idx int) {
		if p.OnHave != nil {
			p.OnHave(sess, idx)
		}
	}
	sess.OnBitfield = func(bf *bitset.BitSet) {
		if p.OnBitfield != nil {
			p.OnBitfield(sess, bf)
		}
	}
	sess.OnBlock = func(ev BlockEvent) {
		if p.OnBlock != nil {
			p.OnBlock(sess, ev)
		}
	}
	sess.OnClose = func(s *Session) {
		p.remove(key)
		if p.OnClosed != nil {
			p.OnClosed(s)
		}
	}
	p.sessions[key] = sess
	p.started[key] = p.clock.Now()
	p.mu.Unlock()

	go func() {
		handshake := peerwire.Handshake{InfoHash: p.infoHash, PeerID: p.localID}
		if err := sess.Connect(handshake, p.infoHash); err != nil {
			p.log.WithError(err).WithField("peer", key).Debug("connect failed")
			return
		}
		sess.Run()
	}()
	return true
}

func (p *Pool) remove(key string) {
	p.mu.Lock()
	delete(p.sessions, key)
	delete(p.started, key)
	p.mu.Unlock()
}

// PickPeerHaving returns a uniformly random eligible session that claims
// pieceIndex, or nil (§4.6's pick_peer_having).
func (p *Pool) PickPeerHaving(pieceIndex int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*Session
	for _, s := range p.sessions {
		if s.HasPiece(pieceIndex) && s.Eligible() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[p.rng.Intn(len(candidates))]
}

// Active returns every session currently in the Active state, in no
// particular order; the client counts these as connected peers.
func (p *Pool) Active() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Session
	for _, s := range p.sessions {
		if s.State() == Active {
			out = append(out, s)
		}
	}
	return out
}

// Len reports how many sessions the pool currently tracks, in any state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close closes every tracked session's socket, regardless of state.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// GC closes sessions stuck connecting/handshaking past their deadline, or
// Active sessions that have gone idle (§4.6).
func (p *Pool) GC() {
	now := p.clock.Now()

	p.mu.Lock()
	var stale []*Session
	for key, s := range p.sessions {
		state := s.State()
		if state == Active {
			if s.Idle() {
				stale = append(stale, s)
			}
			continue
		}
		if state == Closed {
			continue
		}
		if started, ok := p.started[key]; ok && now.Sub(started) > connectGrace {
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
}
