//go:build !linux

package origindst

import (
	"fmt"
	"net"
	"net/netip"
	"runtime"
)

// Get is unsupported outside Linux: transparent REDIRECT/TPROXY interception
// is a Linux-only kernel facility.
func Get(conn net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, fmt.Errorf("origindst: transparent mode is only supported on linux, running on %s", runtime.GOOS)
}
