package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nsavage/goleech/bencode"
)

// announceHTTP issues a GET per BEP-3 with compact=1 and decodes the
// bencoded response body (§4.4).
func (c *Client) announceHTTP(ctx context.Context, u *url.URL, params AnnounceParams) ([]PeerAddress, error) {
	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(c.PeerID[:]))
	q.Set("port", strconv.Itoa(int(c.Port)))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(params.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(DefaultPeerCeiling))
	if params.Event != "" {
		q.Set("event", params.Event)
	}

	reqURL := *u
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %s", ErrTracker, err)
	}

	httpClient := &http.Client{Timeout: c.HTTPTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTracker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: non-2xx status %d", ErrTracker, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %s", ErrTracker, err)
	}

	return parseHTTPTrackerResponse(body)
}

func parseHTTPTrackerResponse(body []byte) ([]PeerAddress, error) {
	root, _, err := bencode.Decode(body, false)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %s", ErrTracker, err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: response is not a dictionary", ErrTracker)
	}
	if reason, ok := root.Dict["failure reason"]; ok && reason.Kind == bencode.KindString {
		return nil, fmt.Errorf("%w: failure reason: %s", ErrTracker, reason.Str)
	}

	peersVal, ok := root.Dict["peers"]
	if !ok {
		return nil, fmt.Errorf("%w: response missing peers key", ErrTracker)
	}

	switch peersVal.Kind {
	case bencode.KindString:
		return parseCompactPeers(peersVal.Str)
	case bencode.KindList:
		return parseDictPeers(peersVal.List)
	default:
		return nil, fmt.Errorf("%w: peers key has unexpected type", ErrTracker)
	}
}

// parseCompactPeers parses the compact=1 form: a flat byte string of
// 6-byte (IPv4, port) records.
func parseCompactPeers(raw []byte) ([]PeerAddress, error) {
	const recordSize = 6
	if len(raw)%recordSize != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of %d", ErrTracker, len(raw), recordSize)
	}
	n := len(raw) / recordSize
	out := make([]PeerAddress, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		var pa PeerAddress
		copy(pa.IP[:], raw[off:off+4])
		pa.Port = uint16(raw[off+4])<<8 | uint16(raw[off+5])
		out[i] = pa
	}
	return out, nil
}

// parseDictPeers parses the non-compact form: a list of dictionaries with
// "ip" and "port" keys.
func parseDictPeers(list []*bencode.Value) ([]PeerAddress, error) {
	var out []PeerAddress
	for _, entry := range list {
		if entry.Kind != bencode.KindDict {
			continue
		}
		ipVal, ok := entry.Dict["ip"]
		if !ok || ipVal.Kind != bencode.KindString {
			continue
		}
		portVal, ok := entry.Dict["port"]
		if !ok || portVal.Kind != bencode.KindInt {
			continue
		}
		ip := net.ParseIP(string(ipVal.Str))
		if ip == nil {
			continue
		}
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		var pa PeerAddress
		copy(pa.IP[:], ip4)
		pa.Port = uint16(portVal.Int)
		out = append(out, pa)
	}
	return out, nil
}
