package overlay

import (
	"fmt"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// ParsePeerURI extracts an address and UDP/TCP port from a multiaddr string
// such as "/ip4/203.0.113.9/udp/4242" or "/ip6/2001:db8::1/udp/4242", the
// form ConnectToAddress expects. Identity is never embedded in the
// multiaddr: it travels separately once the handshake authenticates it.
func ParsePeerURI(s string) (address string, port uint16, err error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", 0, fmt.Errorf("parse peer uri %q: %w", s, err)
	}

	address, err = addr.ValueForProtocol(ma.P_IP4)
	if err != nil {
		address, err = addr.ValueForProtocol(ma.P_IP6)
		if err != nil {
			return "", 0, fmt.Errorf("peer uri %q: no ip4 or ip6 component", s)
		}
	}

	portStr, err := addr.ValueForProtocol(ma.P_UDP)
	if err != nil {
		portStr, err = addr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			return "", 0, fmt.Errorf("peer uri %q: no udp or tcp component", s)
		}
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("peer uri %q: invalid port %q: %w", s, portStr, err)
	}
	return address, uint16(p), nil
}

// BuildPeerURI renders address:port back into the multiaddr form
// ParsePeerURI accepts, choosing ip4/ip6 based on whether address contains
// a colon.
func BuildPeerURI(address string, port uint16) string {
	ipVer := "ip4"
	if strings.Contains(address, ":") {
		ipVer = "ip6"
	}
	return fmt.Sprintf("/%s/%s/udp/%d", ipVer, address, port)
}
