// Package transport runs the bidirectional byte-copy loop between a client
// and its upstream, with per-direction byte accounting, idle-timeout
// enforcement, and optional download shaping.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"t2sproxy/engine/common"
	"t2sproxy/engine/core/limiter"
)

func enableTCPKeepalive(c net.Conn, period time.Duration) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		if period > 0 {
			_ = tc.SetKeepAlivePeriod(period)
		}
		_ = tc.SetNoDelay(true)
	}
}

// Counters receives byte accounting as a copy loop progresses. Every method
// may be nil.
type Counters struct {
	// OnBytes is called after each successful read/write with the number
	// of bytes moved in one direction.
	OnBytes func(n int)
}

func (c *Counters) onBytes(n int) {
	if c != nil && c.OnBytes != nil && n > 0 {
		c.OnBytes(n)
	}
}

// Options configures one direction of a Run call.
type Options struct {
	BufferSize  int
	IdleTimeout time.Duration // 0 disables idle enforcement
	Shaper      *limiter.Shaper
	Counters    *Counters
}

// Run copies from src to dst until EOF, an error, ctx cancellation, or an
// idle timeout, applying shaping (if configured) before each write and
// reporting bytes moved via opts.Counters. It half-closes dst's write side
// on a clean EOF so the peer observes the end of this stream.
func Run(ctx context.Context, dst, src net.Conn, opts Options) error {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	buf := make([]byte, bufSize)
	lastActivity := time.Now()

	for {
		if opts.IdleTimeout > 0 && time.Since(lastActivity) > opts.IdleTimeout {
			return errors.New("transport: idle timeout")
		}
		readDeadline := time.Now().Add(1 * time.Second)
		if opts.IdleTimeout > 0 {
			remaining := opts.IdleTimeout - time.Since(lastActivity)
			if remaining < time.Second {
				readDeadline = time.Now().Add(remaining)
			}
		}
		_ = src.SetReadDeadline(readDeadline)

		n, rerr := src.Read(buf)
		if n > 0 {
			lastActivity = time.Now()
			if err := opts.Shaper.WaitN(ctx, n); err != nil {
				return err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			opts.Counters.onBytes(n)
		}
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(rerr, io.EOF) {
				common.CloseWriteIfTCP(dst)
				return nil
			}
			return rerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// RunPair runs Run for both directions concurrently, cancelling and waking
// both sides as soon as either finishes, the context is cancelled, or an
// idle timeout trips in either direction.
func RunPair(ctx context.Context, client, upstream net.Conn, up, down Options) (upErr, downErr error) {
	enableTCPKeepalive(client, 30*time.Second)
	enableTCPKeepalive(upstream, 30*time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		common.Nudge(client)
		common.Nudge(upstream)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		upErr = Run(gctx, upstream, client, up)
		cancel()
		return upErr
	})
	g.Go(func() error {
		downErr = Run(gctx, client, upstream, down)
		cancel()
		return downErr
	})

	_ = g.Wait()
	return upErr, downErr
}
