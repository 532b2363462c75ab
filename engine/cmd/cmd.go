// Package cmd parses command-line flags and runs the proxy until it
// receives a termination signal.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"t2sproxy/engine/app"
	"t2sproxy/engine/common/logx"
)

var log = logx.New(logx.WithPrefix("cmd"))

func defineFlags(fs *flag.FlagSet) *app.Args {
	a := &app.Args{}
	fs.StringVar(&a.ListenAddr, "listen-addr", "127.0.0.1", "address the internal transparent listener binds to")
	listenPort := fs.Uint("listen-port", 11290, "port the internal transparent listener binds to")
	externalPort := fs.Uint("external-port", 0, "port for an optional second listener, handled like the internal one (0 disables it)")

	fs.StringVar(&a.SocksHost, "socks-host", "", "comma-separated list of SOCKS5 backend hosts (required)")
	fs.StringVar(&a.SocksPort, "socks-port", "", "comma-separated list of SOCKS5 backend ports (required)")
	fs.StringVar(&a.SocksUser, "socks-user", "", "optional SOCKS5 username")
	fs.StringVar(&a.SocksPass, "socks-pass", "", "optional SOCKS5 password")

	fs.StringVar(&a.TargetHost, "target-host", "", "fixed destination host, activates explicit mode")
	targetPort := fs.Uint("target-port", 0, "fixed destination port, activates explicit mode")

	bufferSize := fs.Uint("buffer-size", 131072, "copy-loop buffer size in bytes")
	idleTimeout := fs.Uint("idle-timeout", 600, "idle timeout in seconds, 0 disables it")
	connectTimeout := fs.Uint("connect-timeout", 8, "upstream connect timeout in seconds")
	fs.BoolVar(&a.EnableHTTP2, "enable_http2", false, "accepted for CLI client compatibility, currently a no-op")
	maxConns := fs.Uint("max-conns", 100, "maximum number of concurrently admitted connections")

	fs.BoolVar(&a.WebSocket, "web-socket", false, "enable the observability HTTP/WS API")
	fs.StringVar(&a.WebAddr, "web-addr", "127.0.0.1", "address the observability API binds to")
	webPort := fs.Uint("web-port", 8000, "port the observability API binds to")

	fs.Float64Var(&a.DownloadLimitMbit, "download-limit-mbit", 0, "download cap in megabits/sec, applied to each connection separately, 0 disables shaping")
	fs.StringVar(&a.Rules, "rules", "", "inline JSON traffic rules")
	fs.StringVar(&a.ConfigPath, "config", "", "optional YAML config file path")

	fs.Parse(os.Args[1:])

	a.ListenPort = uint16(*listenPort)
	a.ExternalPort = uint16(*externalPort)
	a.TargetPort = uint16(*targetPort)
	a.BufferSize = uint32(*bufferSize)
	a.IdleTimeout = uint32(*idleTimeout)
	a.ConnectTimeout = uint32(*connectTimeout)
	a.MaxConns = uint32(*maxConns)
	a.WebPort = uint16(*webPort)
	return a
}

// Parse parses os.Args into an app.Args, without validating it; app.New
// performs validation so every caller goes through one code path.
func Parse() *app.Args {
	fs := flag.NewFlagSet("t2sproxy", flag.ExitOnError)
	return defineFlags(fs)
}

// Run parses flags, builds the engine, and blocks until SIGINT/SIGTERM.
func Run() error {
	args := Parse()

	logx.MustInit()

	a, err := app.New(args)
	if err != nil {
		return fmt.Errorf("cmd: build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("cmd: start app: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-a.Errors():
		log.Errorf("fatal: %v", err)
		a.Stop()
		return err
	}

	a.Stop()
	return nil
}
