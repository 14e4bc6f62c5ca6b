package node

import (
	"net"
	"strings"

	"golang.org/x/exp/slices"
)

// normalizeHostPort cuts the http:// https:// prefixes from the input address
// adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

func sortRing(nodes []ringNode) {
	slices.SortFunc(nodes, func(a, b ringNode) int { return int(a.Index) - int(b.Index) })
}
