// Package limiter shapes the download side of a proxied connection to a
// configurable bytes/sec cap.
package limiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Shaper wraps a token-bucket limiter for one connection's download
// direction: the forwarder builds a separate Shaper for every connection, so
// the cap applies to each connection on its own and is not shared across
// connections. A nil *Shaper, or one built from a non-positive rate, never
// throttles.
type Shaper struct {
	lim *rate.Limiter
}

// NewShaper builds a shaper capped at bps bytes/sec. bps<=0 disables shaping.
func NewShaper(bps int64) *Shaper {
	if bps <= 0 {
		return nil
	}
	burst := int(bps / 10)
	if burst < 1 {
		burst = 1
	}
	return &Shaper{lim: rate.NewLimiter(rate.Limit(bps), burst)}
}

// WaitN blocks until n bytes are permitted under the shaper's rate, capped at
// 500ms per call so a connection teardown is never held up for long, or
// returns ctx.Err() if the wait is interrupted.
func (s *Shaper) WaitN(ctx context.Context, n int) error {
	if s == nil || s.lim == nil || n <= 0 {
		return nil
	}
	// ReserveN rejects requests above the burst, so reserve in burst-sized
	// pieces; the last piece's delay covers all of them.
	now := time.Now()
	var rs []*rate.Reservation
	for rem := n; rem > 0; rem -= s.lim.Burst() {
		r := s.lim.ReserveN(now, min(rem, s.lim.Burst()))
		if !r.OK() {
			return nil
		}
		rs = append(rs, r)
	}
	d := rs[len(rs)-1].DelayFrom(now)
	const maxWait = 500 * time.Millisecond
	if d > maxWait {
		d = maxWait
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		for _, r := range rs {
			r.CancelAt(time.Now())
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
