// Package app wires every core component into a single running proxy:
// backends, rules, registry, stats, the forwarder listeners, the health
// loops, and the optional observability server.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"t2sproxy/engine/common/config"
	"t2sproxy/engine/common/logx"
	"t2sproxy/engine/core/backend"
	"t2sproxy/engine/core/forwarder"
	"t2sproxy/engine/core/health"
	"t2sproxy/engine/core/registry"
	"t2sproxy/engine/core/rules"
	"t2sproxy/engine/core/runtimeconfig"
	"t2sproxy/engine/core/socks5client"
	"t2sproxy/engine/core/statsbus"
	"t2sproxy/engine/core/system"
	"t2sproxy/engine/observe"
)

var log = logx.New(logx.WithPrefix("app"))

// App bundles every long-lived component of one running proxy instance.
type App struct {
	args *Args
	cfg  *config.Config

	Backends *backend.Backends
	Rules    *rules.Rules
	Conns    *registry.Registry
	Stats    *statsbus.Stats
	Events   *statsbus.Bus
	Runtime  *runtimeconfig.Config
	System   *system.Sampler

	internal *forwarder.Forwarder
	external *forwarder.Forwarder
	observer *observe.Server
	httpSrv  *http.Server

	cancel context.CancelFunc
	errCh  chan error
}

// New resolves configuration and builds every component, but does not yet
// start accepting connections.
func New(args *Args) (*App, error) {
	if err := args.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid args: %w", err)
	}
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	if cfg.Logging.Level != "" {
		logx.SetLevelString(cfg.Logging.Level)
	}

	backends, err := backend.New(args.SocksHosts(), args.SocksPorts())
	if err != nil {
		return nil, fmt.Errorf("app: build backends: %w", err)
	}

	rawRules := args.Rules
	if rawRules == "" {
		rawRules = "[]"
	}
	rs, err := rules.Load(rawRules)
	if err != nil {
		return nil, fmt.Errorf("app: load rules: %w", err)
	}

	var auth *socks5client.Auth
	if args.SocksUser != "" {
		auth = &socks5client.Auth{Username: args.SocksUser, Password: args.SocksPass}
	}

	a := &App{
		args:     args,
		cfg:      cfg,
		Backends: backends,
		Rules:    rs,
		Conns:    registry.New(),
		Stats:    statsbus.New(),
		Events:   statsbus.NewBus(),
		Runtime:  runtimeconfig.New(),
		System:   system.New(os.Getpid()),
		errCh:    make(chan error, 2),
	}
	a.Runtime.SetDownloadLimitMbit(args.DownloadLimitMbit)

	fwdCfg := forwarder.Config{
		BufferSize:     int(args.BufferSize),
		IdleTimeout:    time.Duration(args.IdleTimeout) * time.Second,
		ConnectTimeout: time.Duration(args.ConnectTimeout) * time.Second,
		MaxConns:       int(args.MaxConns),
		Auth:           auth,
	}
	if args.TargetHost != "" {
		fwdCfg.Explicit = &forwarder.ExplicitTarget{Host: args.TargetHost, Port: args.TargetPort}
	}
	a.internal = forwarder.New(fwdCfg, backends, rs, a.Conns, a.Stats, a.Events, a.Runtime)

	if args.ExternalPort != 0 && args.ExternalPort != args.ListenPort {
		a.external = forwarder.New(fwdCfg, backends, rs, a.Conns, a.Stats, a.Events, a.Runtime)
	}

	if args.WebSocket {
		internalAddr := net.JoinHostPort(args.ListenAddr, strconv.Itoa(int(args.ListenPort)))
		externalAddr := ""
		if args.ExternalPort != 0 {
			externalAddr = net.JoinHostPort(args.ListenAddr, strconv.Itoa(int(args.ExternalPort)))
		}
		a.observer = observe.New(backends, a.Conns, a.Stats, a.Runtime, a.System, internalAddr, externalAddr)
	}

	return a, nil
}

// Start launches the listeners, health loops, and observability server.
// It returns once the listeners are bound; the spawned goroutines run
// until ctx is cancelled or Stop is called.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// The internal listener is load-bearing: if it can't bind, the proxy
	// has no way to accept traffic, so the failure aborts startup.
	internalAddr := net.JoinHostPort(a.args.ListenAddr, strconv.Itoa(int(a.args.ListenPort)))
	internalLn, err := a.internal.Listen(internalAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("app: internal listener: %w", err)
	}
	log.Infof("internal listener on %s", internalAddr)
	go func() {
		if err := a.internal.Serve(ctx, internalLn, false); err != nil {
			a.errCh <- fmt.Errorf("internal listener: %w", err)
		}
	}()

	if a.external != nil {
		externalAddr := net.JoinHostPort(a.args.ListenAddr, strconv.Itoa(int(a.args.ExternalPort)))
		externalLn, err := a.external.Listen(externalAddr)
		if err != nil {
			// The external listener is an optional extra surface; a failed
			// bind here (e.g. port collision) is logged and that listener
			// is skipped rather than aborting the whole proxy.
			log.Errorf("external listener bind failed, skipping: %v", err)
			a.external = nil
		} else {
			log.Infof("external listener on %s", externalAddr)
			go func() {
				if err := a.external.Serve(ctx, externalLn, true); err != nil {
					a.errCh <- fmt.Errorf("external listener: %w", err)
				}
			}()
		}
	}

	var probeAuth *socks5client.Auth
	if a.args.SocksUser != "" {
		probeAuth = &socks5client.Auth{Username: a.args.SocksUser, Password: a.args.SocksPass}
	}
	go health.ProbeLoop(ctx, a.Backends, a.Runtime, a.Conns, probeAuth)
	go health.EnforceLoop(ctx, a.Backends, a.Conns, a.Runtime)

	if a.observer != nil {
		webAddr := net.JoinHostPort(a.args.WebAddr, strconv.Itoa(int(a.args.WebPort)))
		ln, err := net.Listen("tcp", webAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("app: listen web %s: %w", webAddr, err)
		}
		a.httpSrv = &http.Server{Addr: webAddr, Handler: a.observer.Router()}
		log.Infof("observability API on %s", webAddr)
		go func() {
			if err := a.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Errorf("observability server: %v", err)
			}
		}()
	}

	return nil
}

// Errors reports fatal post-startup failures, such as an accept loop that
// couldn't recover. Run should select on it alongside ctx.Done.
func (a *App) Errors() <-chan error {
	return a.errCh
}

// Stop cancels every background goroutine and closes the observability
// server gracefully.
func (a *App) Stop() {
	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("observability server shutdown: %v", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
}
