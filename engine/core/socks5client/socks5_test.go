package socks5client

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

func fakeBackend(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	return ln.Addr().String()
}

func TestHandshakeNoAuthSuccess(t *testing.T) {
	addr := fakeBackend(t, func(conn net.Conn) {
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		greeting := make([]byte, 2)
		readFull(conn, greeting)
		methods := make([]byte, greeting[1])
		readFull(conn, methods)
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 4)
		readFull(conn, req)
		ip := make([]byte, 4)
		readFull(conn, ip)
		port := make([]byte, 2)
		readFull(conn, port)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	target := Target{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}
	conn, err := Dial(context.Background(), addr, target, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestHandshakeRejected(t *testing.T) {
	addr := fakeBackend(t, func(conn net.Conn) {
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		greeting := make([]byte, 2)
		readFull(conn, greeting)
		methods := make([]byte, greeting[1])
		readFull(conn, methods)
		conn.Write([]byte{0x05, 0x00})

		req := make([]byte, 4)
		readFull(conn, req)
		ip := make([]byte, 4)
		readFull(conn, ip)
		port := make([]byte, 2)
		readFull(conn, port)
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	target := Target{IP: netip.MustParseAddr("1.1.1.1"), Port: 443}
	_, err := Dial(context.Background(), addr, target, nil)
	if err == nil {
		t.Fatalf("expected error on rejected connect")
	}
}

func TestBuildConnectRequestDomain(t *testing.T) {
	req, err := buildConnectRequest(Target{Domain: "example.com", Port: 80})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req[3] != atypDomain || req[4] != byte(len("example.com")) {
		t.Fatalf("unexpected domain request encoding: %v", req)
	}
}
