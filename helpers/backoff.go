package helpers

import (
	"sync/atomic"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/helpers/atomic_clock"
)

// Limited exponential backoff for reconnect delays.
// First delay is always 0.
// Update(false) or Failure() multiplies next delay by K, bounded by [Min, Max].
// Delay is measured from the last Update/Failure/Reset, so time spent in the
// attempt itself counts towards the wait.
type Backoff struct {
	next     int64 // atomic align
	failures int32
	last     atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   time.Sleep(backoff.DelayBefore())
//   err := op()
//   backoff.Update(err==nil)
// }
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Increase next delay.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	k := b.K
	if k < 1 {
		k = 2
	}
	next = b.limit(time.Duration(float32(next) * k))
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
	atomic.AddInt32(&b.failures, 1)
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
	atomic.StoreInt32(&b.failures, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

// Failures since last Reset.
func (b *Backoff) Failures() int { return int(atomic.LoadInt32(&b.failures)) }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
