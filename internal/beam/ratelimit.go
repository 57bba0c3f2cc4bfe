// Package beam uploads copy-remuxed input intervals to workers as chunked
// HTTP bodies, with optional rate limiting, and tracks each upload as a
// cancellable background task.
package beam

import (
	"io"
	"time"
)

// rateLimitedReader throttles reads to rate bytes per second using a simple
// token bucket refilled per read. A rate of 0 disables throttling.
type rateLimitedReader struct {
	r      io.Reader
	rate   int64
	bucket int64
	last   time.Time
}

// newRateLimitedReader wraps r so it delivers at most rate bytes/s.
func newRateLimitedReader(r io.Reader, rate int64) io.Reader {
	if rate <= 0 {
		return r
	}
	return &rateLimitedReader{r: r, rate: rate, bucket: rate, last: time.Now()}
}

func (l *rateLimitedReader) Read(p []byte) (int, error) {
	now := time.Now()
	l.bucket += int64(now.Sub(l.last).Seconds() * float64(l.rate))
	if l.bucket > l.rate {
		l.bucket = l.rate
	}
	l.last = now

	if l.bucket <= 0 {
		wait := time.Duration(float64(-l.bucket+1) / float64(l.rate) * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		time.Sleep(wait)
		l.bucket = 0
		l.last = time.Now()
	}

	// Never request more than one second of budget in a single read.
	if int64(len(p)) > l.rate {
		p = p[:l.rate]
	}

	n, err := l.r.Read(p)
	l.bucket -= int64(n)
	return n, err
}
