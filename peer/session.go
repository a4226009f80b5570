// Package peer implements a single leecher-side connection to a remote
// BitTorrent peer: the handshake, the choke/interest state machine, and
// the translation of wire messages (§4.3) into the typed events the
// assembler and rarest index consume. It is grounded in teacher's
// peer/peer.go (dial-handshake-loop shape, per-connection deadline) but
// replaces its one-piece-at-a-time channel loop with the full state
// machine and block-level request tracking described for a leecher
// session (§4.5), borrowing the connstate/dispatch split and the
// injectable clock from uber-kraken's
// lib/torrent/scheduler/connstate and dispatch/piecerequest packages.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/willf/bitset"
	"golang.org/x/time/rate"

	"github.com/nsavage/goleech/peerwire"
)

// State is a session's position in the §4.5 lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned by operations attempted on a closed session.
var ErrSessionClosed = errors.New("peer session closed")

const (
	connectTimeout    = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	inactivityTimeout = 120 * time.Second
	keepAliveInterval = 120 * time.Second
	// MinRequestSpacing is the eligibility predicate's minimum gap between
	// outbound Requests on one session (§4.5).
	MinRequestSpacing = 100 * time.Millisecond
	// RecvBufferCap is a receive-buffer size limit (§4.6). Run reads each
	// frame straight from the socket with peerwire.ReadMessage, bounded by
	// peerwire.DefaultMaxMessageLength, and does not consult this value.
	RecvBufferCap = 16 << 20
	// PipelineDepth is the default per-peer outstanding-request budget
	// (§4.7's K=5).
	PipelineDepth = 5
)

// BlockEvent is a delivered Piece message, handed off to the assembler.
type BlockEvent struct {
	PieceIndex int
	Offset     int
	Data       []byte
}

// Session is a single connection to a remote peer.
type Session struct {
	Addr   net.TCPAddr
	PeerID [20]byte

	mu    sync.Mutex
	state State
	conn  net.Conn

	numPieces      int
	remoteBitfield *bitset.BitSet

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	inFlight       int
	lastOutbound   time.Time
	lastActivity   time.Time
	lastKeepAlive  time.Time
	bytesReceived  int64
	piecesReceived int64

	recvBuf []byte

	clock   clock.Clock
	limiter *rate.Limiter
	log     *logrus.Entry

	// OnBlock is invoked (from the session's read loop) for every Piece
	// message received. OnHave/OnBitfield notify the rarest index.
	OnBlock    func(BlockEvent)
	OnHave     func(pieceIndex int)
	OnBitfield func(bf *bitset.BitSet)
	OnClose    func(*Session)
}

// New builds a session in the Disconnected state. numPieces sizes the
// remote bitfield (§4.5).
func New(addr net.TCPAddr, numPieces int, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Session{
		Addr:           addr,
		numPieces:      numPieces,
		remoteBitfield: bitset.New(uint(numPieces)),
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		lastActivity:   now,
		lastOutbound:   now,
		lastKeepAlive:  now,
		clock:          clk,
		limiter:        rate.NewLimiter(rate.Every(MinRequestSpacing), 1),
		log:            logrus.WithField("peer", addr.String()),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the remote, performs the handshake, and leaves the session
// in Active or Closed. It blocks for the duration of the handshake; the
// caller is expected to run it from its own goroutine per session (§5).
func (s *Session) Connect(localHandshake peerwire.Handshake, infoHash [20]byte) error {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", s.Addr.String(), connectTimeout)
	if err != nil {
		s.closeLocked(err)
		return fmt.Errorf("dialing %s: %w", s.Addr.String(), err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Handshaking
	s.mu.Unlock()

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		s.closeLocked(err)
		return err
	}
	if _, err := conn.Write(localHandshake.Marshal()); err != nil {
		s.closeLocked(err)
		return fmt.Errorf("sending handshake: %w", err)
	}

	remote, err := peerwire.ReadHandshake(conn, infoHash)
	if err != nil {
		s.closeLocked(err)
		return fmt.Errorf("%w: %s", peerwire.ErrPeerProtocol, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.closeLocked(err)
		return err
	}

	s.mu.Lock()
	s.PeerID = remote.PeerID
	s.state = Active
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()

	// This client only leeches, so it is always interested once active.
	if err := s.sendInterested(); err != nil {
		s.closeLocked(err)
		return err
	}
	return nil
}

func (s *Session) sendInterested() error {
	s.mu.Lock()
	s.amInterested = true
	conn := s.conn
	s.mu.Unlock()
	_, err := conn.Write(peerwire.InterestedMsg())
	return err
}

// Eligible reports whether the driver may issue a Request to this session
// right now (§4.5's eligibility predicate).
func (s *Session) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false
	}
	if s.peerChoking || !s.amInterested {
		return false
	}
	return s.clock.Now().Sub(s.lastOutbound) >= MinRequestSpacing
}

// HasPiece reports whether the remote has advertised pieceIndex.
func (s *Session) HasPiece(pieceIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= s.numPieces {
		return false
	}
	return s.remoteBitfield.Test(uint(pieceIndex))
}

// InFlight returns the number of outstanding Requests this session is
// waiting on.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// BytesReceived returns the total bytes of block payload delivered by
// this session so far (§3's PeerSession byte counter).
func (s *Session) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

// ErrRateLimited is returned when SendRequest is called before the
// session's pacing limiter has a free token; the driver should retry on
// its next tick.
var ErrRateLimited = errors.New("peer session rate limited")

// SendRequest writes a Request message and bumps the in-flight counter.
// Outbound Requests are paced by a per-session token bucket so a driver
// bug that calls this faster than the 100 ms eligibility spacing still
// cannot flood one peer (§4.5, §4.10).
func (s *Session) SendRequest(pieceIndex, offset, length int) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn := s.conn
	now := s.clock.Now()
	if !s.limiter.AllowN(now, 1) {
		s.mu.Unlock()
		return ErrRateLimited
	}
	s.inFlight++
	s.lastOutbound = now
	s.mu.Unlock()

	if _, err := conn.Write(peerwire.RequestMsg(pieceIndex, offset, length)); err != nil {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		return err
	}
	return nil
}

// SendHave announces a newly completed piece to the remote.
func (s *Session) SendHave(pieceIndex int) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != Active {
		return ErrSessionClosed
	}
	_, err := conn.Write(peerwire.HaveMsg(pieceIndex))
	return err
}

// maybeKeepAlive sends a KeepAlive if there has been no outbound traffic
// for keepAliveInterval (§4.5).
func (s *Session) maybeKeepAlive() error {
	s.mu.Lock()
	conn := s.conn
	due := s.clock.Now().Sub(s.lastOutbound) >= keepAliveInterval
	state := s.state
	s.mu.Unlock()
	if state != Active || !due {
		return nil
	}
	if _, err := conn.Write(peerwire.KeepAliveMsg()); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastOutbound = s.clock.Now()
	s.mu.Unlock()
	return nil
}

// Idle reports whether the session has been silent for longer than the
// inactivity timeout and should be garbage collected.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false
	}
	return s.clock.Now().Sub(s.lastActivity) >= inactivityTimeout
}

// Run reads frames from the socket until the connection closes or a
// protocol error occurs, dispatching each to the session's handlers. It is
// meant to be run in its own goroutine once Connect succeeds (§5: "each
// peer session is a task reading its socket").
func (s *Session) Run() {
	for {
		s.mu.Lock()
		conn := s.conn
		state := s.state
		s.mu.Unlock()
		if state != Active {
			return
		}

		conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		msg, err := peerwire.ReadMessage(conn, peerwire.DefaultMaxMessageLength)
		if err != nil {
			s.closeLocked(err)
			return
		}

		s.mu.Lock()
		s.lastActivity = s.clock.Now()
		s.mu.Unlock()

		if msg == nil {
			continue // KeepAlive
		}
		if err := s.dispatch(msg); err != nil {
			s.closeLocked(err)
			return
		}
		if err := s.maybeKeepAlive(); err != nil {
			s.closeLocked(err)
			return
		}
	}
}

func (s *Session) dispatch(msg *peerwire.Message) error {
	switch msg.Type {
	case peerwire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.inFlight = 0 // requests in flight are considered canceled (§4.5)
		s.mu.Unlock()
	case peerwire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
	case peerwire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
	case peerwire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case peerwire.Have:
		idx, err := peerwire.ParseHave(msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if idx >= 0 && idx < s.numPieces {
			s.remoteBitfield.Set(uint(idx))
		}
		s.mu.Unlock()
		if s.OnHave != nil {
			s.OnHave(idx)
		}
	case peerwire.Bitfield:
		if want := (s.numPieces + 7) / 8; len(msg.Payload) != want {
			return fmt.Errorf("%w: bitfield has %d bytes, want %d", peerwire.ErrPeerProtocol, len(msg.Payload), want)
		}
		bf := bitset.New(uint(s.numPieces))
		for i := 0; i < s.numPieces; i++ {
			byteIdx := i / 8
			if byteIdx >= len(msg.Payload) {
				break
			}
			bit := msg.Payload[byteIdx] & (1 << uint(7-i%8))
			if bit != 0 {
				bf.Set(uint(i))
			}
		}
		s.mu.Lock()
		s.remoteBitfield = bf
		s.mu.Unlock()
		if s.OnBitfield != nil {
			s.OnBitfield(bf)
		}
	case peerwire.Piece:
		idx, begin, data, err := peerwire.ParsePiece(msg)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.inFlight > 0 {
			s.inFlight--
		}
		s.bytesReceived += int64(len(data))
		s.mu.Unlock()
		if s.OnBlock != nil {
			s.OnBlock(BlockEvent{PieceIndex: idx, Offset: begin, Data: data})
		}
	case peerwire.Request, peerwire.Cancel, peerwire.Port:
		// leecher-only design: ignored (§4.5).
	default:
		return fmt.Errorf("%w: unhandled message type %v", peerwire.ErrPeerProtocol, msg.Type)
	}
	return nil
}

func (s *Session) closeLocked(cause error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cause != nil {
		s.log.WithError(cause).Debug("peer session closed")
	}
	if s.OnClose != nil {
		s.OnClose(s)
	}
}

// Close shuts the session down from outside its read loop.
func (s *Session) Close() {
	s.closeLocked(nil)
}

// BitfieldSnapshot returns a copy of the remote bitfield, used by the
// rarest index when a session closes (§4.9).
func (s *Session) BitfieldSnapshot() *bitset.BitSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBitfield.Clone()
}
