package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRunCopiesUntilEOF(t *testing.T) {
	srcR, srcW := net.Pipe()
	dstR, dstW := net.Pipe()
	defer srcR.Close()
	defer dstW.Close()

	go func() {
		srcW.Write([]byte("hello"))
		srcW.Close()
	}()

	received := make([]byte, 0, 5)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		n, _ := dstR.Read(buf)
		received = append(received, buf[:n]...)
		close(done)
	}()

	var gotBytes int
	err := Run(context.Background(), dstW, srcR, Options{
		Counters: &Counters{OnBytes: func(n int) { gotBytes += n }},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	<-done
	if string(received) != "hello" {
		t.Fatalf("expected 'hello', got %q", received)
	}
	if gotBytes != 5 {
		t.Fatalf("expected counter 5, got %d", gotBytes)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	srcR, _ := net.Pipe()
	_, dstW := net.Pipe()
	defer srcR.Close()
	defer dstW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, dstW, srcR, Options{})
	if err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

func TestRunIdleTimeout(t *testing.T) {
	srcR, _ := net.Pipe()
	_, dstW := net.Pipe()
	defer srcR.Close()
	defer dstW.Close()

	err := Run(context.Background(), dstW, srcR, Options{IdleTimeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected idle timeout error")
	}
}
