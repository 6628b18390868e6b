package node

import (
	"net"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and appends defPort when the address has no port and defPort is non-empty.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil || defPort == "" {
		return addr
	}

	return addr + ":" + defPort
}

// OwnerForKey looks up the messaging-hub address of the node that owns
// key, alongside this node's own address for the caller's self-check.
func (s *Node) OwnerForKey(key string) (ownerHP, selfHP string, ok bool) {
	ownerID := s.ring.Lookup([]byte(key))
	ownerAddr, ok := s.ring.Addr(ownerID)
	if !ok || ownerAddr == "" {
		return "", "", false
	}
	return NormalizeHostPort(ownerAddr, ""), NormalizeHostPort(s.addr, ""), true
}
