package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies one of the 10 numbered peer messages (§4.3).
type MessageType uint8

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// BlockSize is the fixed transfer unit: every Request/Piece block is this
// size except possibly the final block of the final piece (§3, GLOSSARY).
const BlockSize = 16384

// DefaultMaxMessageLength caps how large a single message may declare
// itself to be, guarding against a peer claiming an enormous allocation
// (§4.3: "Parser rejects... length beyond a configurable cap (default
// 10 MiB)").
const DefaultMaxMessageLength = 10 * 1024 * 1024

// Message is a parsed length-prefixed peer message. A nil *Message with a
// nil error from ReadMessage represents a KeepAlive (length-prefix of
// zero, §4.3).
type Message struct {
	Type    MessageType
	Payload []byte
}

// ReadMessage reads one length-prefixed frame from r. It returns
// (nil, nil) for a KeepAlive (zero-length) frame so callers can update
// last-activity timestamps without a type switch on a sentinel message.
func ReadMessage(r io.Reader, maxLength int) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:]))
	if length == 0 {
		return nil, nil
	}
	if maxLength > 0 && length > maxLength {
		return nil, fmt.Errorf("%w: message length %d exceeds cap %d", ErrPeerProtocol, length, maxLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg := &Message{Type: MessageType(body[0]), Payload: body[1:]}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate enforces the fixed-length and bound checks §4.3 calls out:
// unknown ids, Request/Cancel length > BlockSize, and fixed-size mismatches
// for Choke/Unchoke/Interested/NotInterested/Have/Request/Cancel/Port.
func validate(msg *Message) error {
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
		if len(msg.Payload) != 0 {
			return fmt.Errorf("%w: %s payload must be empty, got %d bytes", ErrPeerProtocol, msg.Type, len(msg.Payload))
		}
	case Have:
		if len(msg.Payload) != 4 {
			return fmt.Errorf("%w: Have payload must be 4 bytes, got %d", ErrPeerProtocol, len(msg.Payload))
		}
	case Bitfield:
		// Length depends on N; validated by the caller that knows N.
	case Request, Cancel:
		if len(msg.Payload) != 12 {
			return fmt.Errorf("%w: %s payload must be 12 bytes, got %d", ErrPeerProtocol, msg.Type, len(msg.Payload))
		}
		_, _, reqLen := decodeBlockAddr(msg.Payload)
		if reqLen > BlockSize {
			return fmt.Errorf("%w: requested length %d exceeds block size %d", ErrPeerProtocol, reqLen, BlockSize)
		}
	case Piece:
		if len(msg.Payload) < 8 {
			return fmt.Errorf("%w: Piece payload must be at least 8 bytes, got %d", ErrPeerProtocol, len(msg.Payload))
		}
	case Port:
		if len(msg.Payload) != 2 {
			return fmt.Errorf("%w: Port payload must be 2 bytes, got %d", ErrPeerProtocol, len(msg.Payload))
		}
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrPeerProtocol, uint8(msg.Type))
	}
	return nil
}

func decodeBlockAddr(payload []byte) (index, begin, length int) {
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return
}

func (msg *Message) serialize() []byte {
	buf := make([]byte, 4+1+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.Type)
	copy(buf[5:], msg.Payload)
	return buf
}

// KeepAliveMsg returns the wire bytes for a zero-length KeepAlive.
func KeepAliveMsg() []byte {
	return []byte{0, 0, 0, 0}
}

func ChokeMsg() []byte         { return (&Message{Type: Choke}).serialize() }
func UnchokeMsg() []byte       { return (&Message{Type: Unchoke}).serialize() }
func InterestedMsg() []byte    { return (&Message{Type: Interested}).serialize() }
func NotInterestedMsg() []byte { return (&Message{Type: NotInterested}).serialize() }

func HaveMsg(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return (&Message{Type: Have, Payload: payload}).serialize()
}

func BitfieldMsg(bits []byte) []byte {
	return (&Message{Type: Bitfield, Payload: bits}).serialize()
}

func RequestMsg(index, begin, length int) []byte {
	return (&Message{Type: Request, Payload: encodeBlockAddr(index, begin, length)}).serialize()
}

func CancelMsg(index, begin, length int) []byte {
	return (&Message{Type: Cancel, Payload: encodeBlockAddr(index, begin, length)}).serialize()
}

func PieceMsg(index, begin int, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return (&Message{Type: Piece, Payload: payload}).serialize()
}

func encodeBlockAddr(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(msg *Message) (int, error) {
	if msg.Type != Have {
		return 0, fmt.Errorf("%w: expected Have, got %s", ErrPeerProtocol, msg.Type)
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a Request or Cancel
// message's payload.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.Type != Request && msg.Type != Cancel {
		return 0, 0, 0, fmt.Errorf("%w: expected Request or Cancel, got %s", ErrPeerProtocol, msg.Type)
	}
	index, begin, length = decodeBlockAddr(msg.Payload)
	return
}

// ParsePiece extracts (index, begin, data) from a Piece message's payload.
func ParsePiece(msg *Message) (index, begin int, data []byte, err error) {
	if msg.Type != Piece {
		return 0, 0, nil, fmt.Errorf("%w: expected Piece, got %s", ErrPeerProtocol, msg.Type)
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	data = msg.Payload[8:]
	return
}
