//go:build linux

// Package origindst recovers the pre-NAT destination address of a
// connection accepted off a REDIRECT/TPROXY listener.
package origindst

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"unsafe"
)

const solIP = 0
const soOriginalDst = 80

// sockaddrIn mirrors struct sockaddr_in from <netinet/in.h>.
type sockaddrIn struct {
	Family uint16
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

// Get reads SO_ORIGINAL_DST off the accepted connection's socket to recover
// the address the client originally dialed before the kernel redirected it.
// IPv4 only, matching the REDIRECT-based transparent path this proxy targets.
func Get(conn net.Conn) (netip.AddrPort, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("origindst: not a TCP connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("origindst: syscall conn: %w", err)
	}

	var sa sockaddrIn
	var getErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		size := uint32(unsafe.Sizeof(sa))
		_, _, errno := syscall.Syscall6(
			syscall.SYS_GETSOCKOPT,
			fd,
			uintptr(solIP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&sa)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			getErr = errno
		}
	})
	if ctrlErr != nil {
		return netip.AddrPort{}, fmt.Errorf("origindst: control: %w", ctrlErr)
	}
	if getErr != nil {
		return netip.AddrPort{}, fmt.Errorf("origindst: getsockopt SO_ORIGINAL_DST: %w", getErr)
	}

	addr := netip.AddrFrom4(sa.Addr)
	port := (uint16(sa.Port) >> 8) | (uint16(sa.Port) << 8)
	return netip.AddrPortFrom(addr, port), nil
}
