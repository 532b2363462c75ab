// Package health runs the two background loops that keep backend status
// current and enforce the "no bypass while a backend is green" policy.
package health

import (
	"context"
	"net"
	"net/netip"
	"time"

	"t2sproxy/engine/common/logx"
	"t2sproxy/engine/core/backend"
	"t2sproxy/engine/core/registry"
	"t2sproxy/engine/core/runtimeconfig"
	"t2sproxy/engine/core/socks5client"
)

// probeHost is the well-known internet host used to distinguish a backend
// that can reach the open internet (Green) from one that can only complete
// the local SOCKS handshake (Yellow).
var probeHost = netip.MustParseAddr("1.1.1.1")

var log = logx.New(logx.WithPrefix("health"))

// Auth is the optional credential pair used for the SOCKS probe greeting.
type Auth = socks5client.Auth

// ProbeLoop periodically re-checks every backend's SOCKS reachability and,
// if that succeeds, its internet reachability through a CONNECT to a
// well-known host. Sleep interval adapts to how busy the proxy currently is
// so idle deployments probe far less often.
func ProbeLoop(ctx context.Context, backends *backend.Backends, rc *runtimeconfig.Config, conns *registry.Registry, auth *Auth) {
	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, addr := range backends.Addrs() {
			probeOne(ctx, backends, addr, auth)
		}

		active := conns.Len() > 0 || rc.UIClients() > 0
		var sleep time.Duration
		if active {
			idleSince = time.Now()
			sleep = 5 * time.Second
		} else {
			idleFor := time.Since(idleSince)
			switch {
			case idleFor < 8*time.Minute:
				sleep = 60 * time.Second
			case idleFor < 25*time.Minute:
				sleep = 120 * time.Second
			default:
				sleep = 180 * time.Second
			}
		}
		waitOrWake(ctx, sleep, rc)
	}
}

func probeOne(ctx context.Context, backends *backend.Backends, addr string, auth *Auth) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		backends.UpdateSocksResult(addr, false, err)
		return
	}
	defer conn.Close()

	if err := quickGreeting(conn, auth); err != nil {
		backends.UpdateSocksResult(addr, false, err)
		return
	}
	backends.UpdateSocksResult(addr, true, nil)

	if _, err := checkInternetViaBackend(dialCtx, addr, auth); err != nil {
		backends.UpdateInternetResult(addr, false, 0, 0, err)
		return
	}
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0
	backends.UpdateInternetResult(addr, true, elapsedMS, 0, nil)
}

// quickGreeting performs just the SOCKS method-selection round trip, enough
// to prove the backend is alive and speaking the protocol.
func quickGreeting(conn net.Conn, auth *Auth) error {
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	methods := []byte{0x00}
	if auth != nil && (auth.Username != "" || auth.Password != "") {
		methods = append(methods, 0x02)
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}
	resp := make([]byte, 2)
	_, err := readFull(conn, resp)
	return err
}

func checkInternetViaBackend(ctx context.Context, addr string, auth *Auth) (time.Duration, error) {
	start := time.Now()
	target := socks5client.Target{IP: probeHost, Port: 443}
	conn, err := socks5client.Dial(ctx, addr, target, auth)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return time.Since(start), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func waitOrWake(ctx context.Context, d time.Duration, rc *runtimeconfig.Config) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-rc.Wait():
	}
}

// EnforceLoop cancels direct-mode connections whenever any backend is
// green, and cleans up SOCKS connections stuck with zero bytes moved across
// the edge where health recovers from "no backend green" to "some green".
func EnforceLoop(ctx context.Context, backends *backend.Backends, conns *registry.Registry, rc *runtimeconfig.Config) {
	wasGreen := false
	idleSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		anyGreen := backends.AnyHealthy()
		if anyGreen {
			if killed := conns.KillMode("direct"); killed > 0 {
				log.Debugf("enforce: killed %d direct-mode connections while a backend is green", killed)
			}
		}
		if anyGreen && !wasGreen {
			if killed := conns.KillStuckSocksZeroTraffic(15 * time.Second); killed > 0 {
				log.Debugf("enforce: cleaned up %d stuck zero-traffic socks connections on recovery", killed)
			}
		}
		wasGreen = anyGreen

		active := conns.Len() > 0 || rc.UIClients() > 0
		var sleep time.Duration
		if active {
			idleSince = time.Now()
			sleep = 2 * time.Second
		} else if time.Since(idleSince) < 10*time.Minute {
			sleep = 15 * time.Second
		} else {
			sleep = 30 * time.Second
		}
		waitOrWake(ctx, sleep, rc)
	}
}

// WaitForRecovery polls backends for at least one green entry, returning
// true if one appears before maxWait elapses.
func WaitForRecovery(ctx context.Context, backends *backend.Backends, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		if backends.AnyHealthy() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
