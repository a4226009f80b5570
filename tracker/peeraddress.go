package tracker

import (
	"fmt"
	"net"
)

// PeerAddress is an (IPv4 address, TCP port) pair. PeerAddresses are
// deduplicated by (ip, port) (§3).
type PeerAddress struct {
	IP   [4]byte
	Port uint16
}

func (a PeerAddress) String() string {
	ip := net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3])
	return fmt.Sprintf("%s:%d", ip.String(), a.Port)
}

func fromTCPAddr(addr net.TCPAddr) (PeerAddress, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return PeerAddress{}, false
	}
	var pa PeerAddress
	copy(pa.IP[:], ip4)
	pa.Port = uint16(addr.Port)
	return pa, true
}
