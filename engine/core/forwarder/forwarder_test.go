package forwarder

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"t2sproxy/engine/core/backend"
	"t2sproxy/engine/core/registry"
	"t2sproxy/engine/core/rules"
	"t2sproxy/engine/core/runtimeconfig"
	"t2sproxy/engine/core/statsbus"
)

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestForwarderDirectModeEchoesBytes(t *testing.T) {
	echoAddr := echoServer(t)
	host, portStr, _ := net.SplitHostPort(echoAddr)
	portN, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	port := uint16(portN)

	b, _ := backend.New([]string{"127.0.0.1"}, []string{"19999"}) // no live backend; stays Red
	rs, _ := rules.Load(`[{"action":"direct"}]`)
	conns := registry.New()
	stats := statsbus.New()
	events := statsbus.NewBus()
	rc := runtimeconfig.New()

	fwd := New(Config{
		BufferSize:     4096,
		ConnectTimeout: time.Second,
		Explicit:       &ExplicitTarget{Host: host, Port: port},
	}, b, rs, conns, stats, events, rc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fwd.handle(ctx, conn, registry.Internal, false)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echo 'ping', got %q", buf)
	}
}
