// Package throttle wraps readers and writers with a maximum sustained
// byte rate. The rate is measured over a rolling window: a cumulative
// byte counter against the time since the window opened. When the
// achieved rate exceeds the ceiling the calling goroutine sleeps until
// the counter would have been legal at the target rate, then the window
// resets. Each wrapper throttles only the single stream it wraps.
package throttle

import (
	"io"
	"time"
)

// Unlimited disables throttling.
const Unlimited = 0

type limiter struct {
	maxBytesPerSecond int64
	byteCount         int64
	windowStart       time.Time
}

func newLimiter(maxBytesPerSecond int64) limiter {
	return limiter{maxBytesPerSecond: maxBytesPerSecond, windowStart: time.Now()}
}

// throttle accounts for n transferred bytes and blocks if the window's
// achieved rate is at or above the ceiling.
func (l *limiter) throttle(n int) {
	if l.maxBytesPerSecond <= 0 || n <= 0 {
		return
	}

	l.byteCount += int64(n)

	now := time.Now()
	elapsed := now.Sub(l.windowStart)
	elapsedMs := elapsed.Milliseconds()
	if elapsedMs == 0 {
		// Sub-millisecond window; avoid dividing by zero.
		elapsedMs = 1
	}

	achieved := l.byteCount * 1000 / elapsedMs
	if achieved < l.maxBytesPerSecond {
		l.maybeReset(now)
		return
	}

	// The time at which byteCount would have been reached at the
	// target rate.
	targetMs := l.byteCount * 1000 / l.maxBytesPerSecond
	sleep := time.Duration(targetMs-elapsedMs) * time.Millisecond
	if sleep <= time.Millisecond {
		// Not worth the scheduling cost.
		l.maybeReset(now)
		return
	}

	time.Sleep(sleep)
	l.reset(time.Now())
}

// maybeReset starts a new window once the current one has been open
// longer than a second, keeping the achieved-rate average fresh.
func (l *limiter) maybeReset(now time.Time) {
	if now.Sub(l.windowStart) > time.Second {
		l.reset(now)
	}
}

func (l *limiter) reset(now time.Time) {
	l.byteCount = 0
	l.windowStart = now
}

// Reader wraps r, capping the sustained read rate at maxBytesPerSecond.
type Reader struct {
	r io.Reader
	limiter
}

// NewReader returns a throttled reader over r. A non-positive rate
// leaves reads unthrottled.
func NewReader(r io.Reader, maxBytesPerSecond int64) *Reader {
	return &Reader{r: r, limiter: newLimiter(maxBytesPerSecond)}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.throttle(n)
	return n, err
}

// Writer wraps w, capping the sustained write rate at maxBytesPerSecond.
type Writer struct {
	w io.Writer
	limiter
}

// NewWriter returns a throttled writer over w. A non-positive rate
// leaves writes unthrottled.
func NewWriter(w io.Writer, maxBytesPerSecond int64) *Writer {
	return &Writer{w: w, limiter: newLimiter(maxBytesPerSecond)}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.throttle(len(p))
	return w.w.Write(p)
}
