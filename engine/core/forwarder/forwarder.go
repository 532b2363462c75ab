// Package forwarder is the heart of the proxy: it accepts connections,
// determines their target and application protocol, applies policy, then
// streams bytes to either a direct dial or a SOCKS5 backend.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"t2sproxy/engine/common/logx"
	"t2sproxy/engine/core/backend"
	"t2sproxy/engine/core/health"
	"t2sproxy/engine/core/limiter"
	"t2sproxy/engine/core/origindst"
	"t2sproxy/engine/core/registry"
	"t2sproxy/engine/core/rules"
	"t2sproxy/engine/core/runtimeconfig"
	"t2sproxy/engine/core/sniff"
	"t2sproxy/engine/core/socks5client"
	"t2sproxy/engine/core/statsbus"
	"t2sproxy/engine/core/transport"
)

var log = logx.New(logx.WithPrefix("forwarder"))

// ExplicitTarget, when set, makes every accepted connection proxy to a
// single fixed destination instead of recovering it via SO_ORIGINAL_DST.
type ExplicitTarget struct {
	Host string
	Port uint16
}

// Config holds everything the forwarder needs that does not change per
// connection.
type Config struct {
	BufferSize     int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxConns       int
	Explicit       *ExplicitTarget
	Auth           *socks5client.Auth
}

// Forwarder wires together policy, backend selection, and the byte-copy
// loop for every accepted connection.
type Forwarder struct {
	cfg      Config
	backends *backend.Backends
	rules    *rules.Rules
	conns    *registry.Registry
	stats    *statsbus.Stats
	events   *statsbus.Bus
	runtime  *runtimeconfig.Config
}

// New builds a Forwarder ready to accept connections.
func New(cfg Config, backends *backend.Backends, rs *rules.Rules, conns *registry.Registry, stats *statsbus.Stats, events *statsbus.Bus, rc *runtimeconfig.Config) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		backends: backends,
		rules:    rs,
		conns:    conns,
		stats:    stats,
		events:   events,
		runtime:  rc,
	}
}

// Listen binds addr and wraps it so Accept blocks once max-conns connections
// are in flight (netutil.LimitListener), which is this engine's "await a
// permit, never drop silently" admission policy. Binding is split out from
// Serve so callers can detect and react to a bind failure synchronously,
// before any accept loop starts.
func (f *Forwarder) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("forwarder: listen %s: %w", addr, err)
	}
	maxConns := f.cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 100
	}
	return netutil.LimitListener(ln, maxConns), nil
}

// Serve accepts connections on an already-bound listener until ctx is
// cancelled.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener, external bool) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	ingress := registry.Internal
	if external {
		ingress = registry.External
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warnf("accept on %s: %v", ln.Addr(), err)
				continue
			}
		}

		f.runtime.Wakeup()
		f.stats.IncConn(external)

		go f.handle(ctx, conn, ingress, external)
	}
}

// ListenAndServe binds addr and serves it until ctx is cancelled.
func (f *Forwarder) ListenAndServe(ctx context.Context, addr string, external bool) error {
	ln, err := f.Listen(addr)
	if err != nil {
		return err
	}
	return f.Serve(ctx, ln, external)
}

func (f *Forwarder) handle(ctx context.Context, conn net.Conn, ingress registry.Ingress, external bool) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := conn.RemoteAddr().String()
	cid := f.conns.NewConn(ingress, peer)
	f.conns.SetCancel(cid, cancel)
	f.events.Publish(statsbus.NewConnOpen(cid, peer))
	defer func() {
		f.conns.Finish(cid)
		f.events.Publish(statsbus.NewConnClose(cid))
	}()

	targetHost, targetPort, err := f.resolveTarget(conn)
	if err != nil {
		log.Debugf("cid=%d target resolution failed: %v", cid, err)
		f.stats.IncError()
		return
	}
	f.conns.SetTarget(cid, net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort))))

	peekBuf, sniffResult := peekAndSniff(conn)
	if sniffResult.Found() {
		f.conns.SetDomain(cid, sniffResult.Host)
	}

	dstIPHint := dstIPHint(targetHost, f.cfg.Explicit != nil)
	if dstIPHint != "" {
		f.conns.SetDstIP(cid, dstIPHint)
	}

	proto := rules.ClassifyProtocol(targetPort)
	socksAvailable := f.backends.AnyHealthy()

	host := sniffResult.Host
	if host == "" {
		host = targetHost
	}
	action, matched := f.rules.Decide(proto, host, targetPort, socksAvailable, false)
	if !matched {
		if socksAvailable {
			action = rules.ActionSocks
		} else {
			action = rules.ActionDirect
		}
	}

	switch action {
	case rules.ActionDrop:
		f.stats.IncPolicyDrop()
		return
	case rules.ActionReset:
		f.stats.IncPolicyDrop()
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		return
	case rules.ActionWait:
		if !health.WaitForRecovery(connCtx, f.backends, 5*time.Second) {
			f.stats.IncPolicyDrop()
			return
		}
		socksAvailable = true
		action = rules.ActionSocks
	}

	// Fall back to direct whenever no backend is green, even if the rule
	// explicitly chose socks; conversely, force SOCKS whenever a backend
	// is green so direct is never used as a bypass while one is healthy.
	useDirect := !socksAvailable

	var upstream net.Conn
	var mode, usedBackend string
	if useDirect {
		upstream, err = net.DialTimeout("tcp", net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort))), f.connectTimeout())
		mode = "direct"
	} else {
		upstream, usedBackend, err = f.connectSocks(connCtx, targetHost, targetPort, sniffResult)
		mode = "socks"
	}
	if err != nil {
		log.Debugf("cid=%d connect upstream failed: %v", cid, err)
		f.stats.IncError()
		return
	}
	defer upstream.Close()

	f.conns.SetBackend(cid, usedBackend, mode)
	f.events.Publish(statsbus.NewConnTarget(cid, net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort))), mode))

	if len(peekBuf) > 0 {
		if _, err := upstream.Write(peekBuf); err != nil {
			f.stats.IncError()
			return
		}
	}

	f.stream(connCtx, cid, conn, upstream, external, usedBackend)
}

func (f *Forwarder) connectTimeout() time.Duration {
	if f.cfg.ConnectTimeout > 0 {
		return f.cfg.ConnectTimeout
	}
	return 8 * time.Second
}

func (f *Forwarder) resolveTarget(conn net.Conn) (string, uint16, error) {
	if f.cfg.Explicit != nil {
		return f.cfg.Explicit.Host, f.cfg.Explicit.Port, nil
	}
	ap, err := origindst.Get(conn)
	if err != nil {
		return "", 0, err
	}
	return ap.Addr().String(), ap.Port(), nil
}

func peekAndSniff(conn net.Conn) ([]byte, sniff.Result) {
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	if n <= 0 {
		return nil, sniff.Result{}
	}
	return buf[:n], sniff.Host(buf[:n])
}

func dstIPHint(targetHost string, explicit bool) string {
	if ip, err := netip.ParseAddr(targetHost); err == nil {
		return ip.String()
	}
	if explicit {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		var resolver net.Resolver
		addrs, err := resolver.LookupIPAddr(ctx, targetHost)
		if err != nil || len(addrs) == 0 {
			return ""
		}
		for _, a := range addrs {
			if ip4 := a.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
		return addrs[0].IP.String()
	}
	return ""
}

// connectSocks tries every currently green backend in round-robin order
// (at most once each), switching to a sniffed domain name as the SOCKS
// target when the destination is a bare IP and sniffing found a hostname.
func (f *Forwarder) connectSocks(ctx context.Context, host string, port uint16, sniffed sniff.Result) (net.Conn, string, error) {
	target := socks5client.Target{Port: port}
	if ip, err := netip.ParseAddr(host); err == nil {
		target.IP = ip
		if sniffed.Found() {
			target.Domain = sniffed.Host
			target.IP = netip.Addr{}
		}
	} else {
		target.Domain = host
	}

	tried := make(map[string]bool)
	var lastErr error
	for {
		addr, err := f.backends.SelectRoundRobin()
		if err != nil {
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", err
		}
		if tried[addr] {
			// we've wrapped the round-robin cursor without success
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", fmt.Errorf("forwarder: exhausted all healthy backends")
		}
		tried[addr] = true

		dialCtx, cancelDial := context.WithTimeout(ctx, f.connectTimeout())
		conn, err := socks5client.Dial(dialCtx, addr, target, f.cfg.Auth)
		cancelDial()
		if err != nil {
			f.backends.MarkFailed(addr, err.Error())
			f.stats.IncSocksFail()
			lastErr = err
			if !f.backends.AnyHealthy() {
				return nil, "", lastErr
			}
			continue
		}
		f.stats.IncSocksOK()
		return conn, addr, nil
	}
}

// backendByteFlushSize is how many bytes in one direction accumulate before
// they're attributed to the backend registry, so a busy connection doesn't
// take the backend-registry lock on every single read.
const backendByteFlushSize = 64 * 1024

func (f *Forwarder) stream(ctx context.Context, cid uint64, client, upstream net.Conn, external bool, backendAddr string) {
	var shaper *limiter.Shaper
	if bps := f.runtime.DownloadLimitBps(); bps > 0 {
		shaper = limiter.NewShaper(bps)
	}

	var upAcc, downAcc int64

	upOpts := transport.Options{
		BufferSize:  f.cfg.BufferSize,
		IdleTimeout: f.cfg.IdleTimeout,
		Counters: &transport.Counters{OnBytes: func(n int) {
			f.conns.AddBytesUp(cid, int64(n))
			f.stats.AddUpIngress(external, int64(n))
			if backendAddr != "" {
				upAcc += int64(n)
				if upAcc >= backendByteFlushSize {
					f.backends.AddBytes(backendAddr, upAcc, 0)
					upAcc = 0
				}
			}
		}},
	}
	downOpts := transport.Options{
		BufferSize:  f.cfg.BufferSize,
		IdleTimeout: f.cfg.IdleTimeout,
		Shaper:      shaper,
		Counters: &transport.Counters{OnBytes: func(n int) {
			f.conns.AddBytesDown(cid, int64(n))
			f.stats.AddDownIngress(external, int64(n))
			if backendAddr != "" {
				downAcc += int64(n)
				if downAcc >= backendByteFlushSize {
					f.backends.AddBytes(backendAddr, 0, downAcc)
					downAcc = 0
				}
			}
		}},
	}

	transport.RunPair(ctx, client, upstream, upOpts, downOpts)

	if backendAddr != "" && (upAcc > 0 || downAcc > 0) {
		f.backends.AddBytes(backendAddr, upAcc, downAcc)
	}
}
