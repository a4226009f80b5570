package peerwire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// UDP tracker protocol (BEP 15) actions.
const (
	ActionConnect uint32 = iota
	ActionAnnounce
	ActionScrape
	ActionError
)

// protocolMagic is the fixed connect-request magic constant (§4.3).
const protocolMagic uint64 = 0x41727101980

// ConnectRequestSize and ConnectResponseSize are the fixed frame sizes for
// the connect phase of BEP 15.
const (
	ConnectRequestSize  = 16
	ConnectResponseSize = 16
)

// EncodeConnectRequest builds the 16-byte UDP tracker connect request.
func EncodeConnectRequest(transactionID uint32) []byte {
	buf := make([]byte, ConnectRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], ActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

// DecodeConnectResponse parses a connect response and verifies its
// transaction id matches wantTransactionID (§8: "A response with
// transaction ≠ T2 → tracker error").
func DecodeConnectResponse(buf []byte, wantTransactionID uint32) (connectionID uint64, err error) {
	if len(buf) < ConnectResponseSize {
		return 0, fmt.Errorf("connect response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	transactionID := binary.BigEndian.Uint32(buf[4:8])
	if action != ActionConnect {
		return 0, fmt.Errorf("expected connect action %d, got %d", ActionConnect, action)
	}
	if transactionID != wantTransactionID {
		return 0, fmt.Errorf("transaction id mismatch: got %d want %d", transactionID, wantTransactionID)
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

// AnnounceRequestSize is the fixed size of an IPv4 UDP announce request.
const AnnounceRequestSize = 98

// AnnounceRequest carries the fields §4.3 specifies for a BEP-15 announce.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    int64
	Left          int64
	Uploaded      int64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32 // -1 means "default"
	Port          uint16
}

// EncodeAnnounceRequest serialises req into the 98-byte announce request
// frame.
func EncodeAnnounceRequest(req AnnounceRequest) []byte {
	buf := make([]byte, AnnounceRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], req.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], req.TransactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], req.Event)
	binary.BigEndian.PutUint32(buf[84:88], req.IP)
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(req.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

// AnnounceResponse is the decoded result of a UDP announce.
type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []net.TCPAddr
}

// DecodeAnnounceResponse parses a BEP-15 announce response and verifies
// its transaction id.
func DecodeAnnounceResponse(buf []byte, wantTransactionID uint32) (AnnounceResponse, error) {
	if len(buf) < 20 {
		return AnnounceResponse{}, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	transactionID := binary.BigEndian.Uint32(buf[4:8])
	if action != ActionAnnounce {
		return AnnounceResponse{}, fmt.Errorf("expected announce action %d, got %d", ActionAnnounce, action)
	}
	if transactionID != wantTransactionID {
		return AnnounceResponse{}, fmt.Errorf("transaction id mismatch: got %d want %d", transactionID, wantTransactionID)
	}
	resp := AnnounceResponse{
		Interval: int32(binary.BigEndian.Uint32(buf[8:12])),
		Leechers: int32(binary.BigEndian.Uint32(buf[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(buf[16:20])),
	}
	const peerRecordSize = 6
	rest := buf[20:]
	for i := 0; i+peerRecordSize <= len(rest); i += peerRecordSize {
		ip := net.IP(rest[i : i+4])
		port := binary.BigEndian.Uint16(rest[i+4 : i+6])
		resp.Peers = append(resp.Peers, net.TCPAddr{IP: ip, Port: int(port)})
	}
	return resp, nil
}
