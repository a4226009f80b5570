// Package peerwire implements the BitTorrent peer wire protocol framing:
// the fixed 68-byte handshake, length-prefixed peer messages, and the
// binary UDP tracker connect/announce frames (§4.3). It is pure
// encode/decode with no I/O of its own, grounded in teacher's
// handshake.go/messages.go/torrentfile.go UDP helpers, generalised to a
// single shared framing package instead of three redundant copies.
package peerwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Protocol is the fixed protocol string every handshake advertises.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the wire size of a handshake message.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// ErrPeerProtocol is the sentinel wrapped by every framing violation.
var ErrPeerProtocol = errors.New("peer protocol error")

// Handshake is the 68-byte message exchanged first on every peer
// connection (§4.3).
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal serialises h into the fixed 68-byte wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// bytes [1+len(Protocol) : 1+len(Protocol)+8] are the reserved bytes,
	// left zero.
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates a handshake from r, checking it
// against wantInfoHash. The receiver MUST disconnect on a protocol-string
// or info-hash mismatch (§4.3); this returns ErrPeerProtocol for the
// caller to do so.
func ReadHandshake(r io.Reader, wantInfoHash [20]byte) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	return ParseHandshake(buf, wantInfoHash)
}

// ParseHandshake validates a complete 68-byte handshake buffer.
func ParseHandshake(buf []byte, wantInfoHash [20]byte) (Handshake, error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, fmt.Errorf("%w: handshake has length %d, want %d", ErrPeerProtocol, len(buf), HandshakeSize)
	}
	if int(buf[0]) != len(Protocol) {
		return Handshake{}, fmt.Errorf("%w: protocol string length %d, want %d", ErrPeerProtocol, buf[0], len(Protocol))
	}
	if !bytes.Equal(buf[1:1+len(Protocol)], []byte(Protocol)) {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string %q", ErrPeerProtocol, buf[1:1+len(Protocol)])
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+len(Protocol)+8:1+len(Protocol)+8+20])
	copy(h.PeerID[:], buf[1+len(Protocol)+8+20:])
	if h.InfoHash != wantInfoHash {
		return Handshake{}, fmt.Errorf("%w: info-hash mismatch: got %x want %x", ErrPeerProtocol, h.InfoHash, wantInfoHash)
	}
	return h, nil
}
