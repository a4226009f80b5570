package tracker

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/nsavage/goleech/peerwire"
)

// announceUDP performs a BEP-15 connect/announce exchange over UDP (§4.3,
// §4.4, §8). Each phase gets its own read deadline so a tracker that
// accepts the connect but never answers the announce still times out.
func (c *Client) announceUDP(ctx context.Context, u *url.URL, params AnnounceParams) ([]PeerAddress, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: udp tracker url missing host", ErrTracker)
	}

	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %s", ErrTracker, u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %s", ErrTracker, u.Host, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.SetDeadline(nowDeadline())
	}()

	transactionID := c.nextTransactionID()
	connID, err := c.udpConnect(conn, transactionID)
	if err != nil {
		return nil, err
	}

	return c.udpAnnounce(conn, connID, params)
}

// udpConnect sends a connect request and waits for the matching response.
func (c *Client) udpConnect(conn *net.UDPConn, transactionID uint32) (uint64, error) {
	if err := conn.SetDeadline(deadlineAfter(c.UDPTimeout)); err != nil {
		return 0, fmt.Errorf("%w: setting deadline: %s", ErrTracker, err)
	}
	if _, err := conn.Write(peerwire.EncodeConnectRequest(transactionID)); err != nil {
		return 0, fmt.Errorf("%w: sending connect request: %s", ErrTracker, err)
	}

	buf := make([]byte, peerwire.ConnectResponseSize)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: reading connect response: %s", ErrTracker, err)
	}
	connID, err := peerwire.DecodeConnectResponse(buf[:n], transactionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTracker, err)
	}
	return connID, nil
}

// udpAnnounce sends an announce request over an already-connected socket
// and parses the peer list out of the response.
func (c *Client) udpAnnounce(conn *net.UDPConn, connID uint64, params AnnounceParams) ([]PeerAddress, error) {
	transactionID := c.nextTransactionID()
	req := peerwire.AnnounceRequest{
		ConnectionID:  connID,
		TransactionID: transactionID,
		InfoHash:      params.InfoHash,
		PeerID:        c.PeerID,
		Downloaded:    params.Downloaded,
		Left:          params.Left,
		Uploaded:      params.Uploaded,
		Event:         udpEventCode(params.Event),
		NumWant:       -1,
		Port:          c.Port,
	}

	if err := conn.SetDeadline(deadlineAfter(c.UDPTimeout)); err != nil {
		return nil, fmt.Errorf("%w: setting deadline: %s", ErrTracker, err)
	}
	if _, err := conn.Write(peerwire.EncodeAnnounceRequest(req)); err != nil {
		return nil, fmt.Errorf("%w: sending announce request: %s", ErrTracker, err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: reading announce response: %s", ErrTracker, err)
	}
	resp, err := peerwire.DecodeAnnounceResponse(buf[:n], transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTracker, err)
	}

	out := make([]PeerAddress, 0, len(resp.Peers))
	for _, addr := range resp.Peers {
		pa, ok := fromTCPAddr(addr)
		if !ok {
			continue
		}
		out = append(out, pa)
	}
	return out, nil
}

// udpEventCode maps the textual announce event to BEP-15's numeric code.
func udpEventCode(event string) uint32 {
	switch event {
	case "completed":
		return 1
	case "started":
		return 2
	case "stopped":
		return 3
	default:
		return 0
	}
}
