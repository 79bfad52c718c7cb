package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var logMu sync.RWMutex

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	logMu.Lock()
	defer logMu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Printf logs through the current Logf. Goroutines that log on hot paths use
// this instead of reading Logf directly so SetLogger is safe to call while
// they run.
func Printf(format string, v ...interface{}) {
	logMu.RLock()
	f := Logf
	logMu.RUnlock()
	f(format, v...)
}

// Limiter suppresses repeats of the same log key within Interval. The 50 Hz
// sampling and broadcast loops use it so a dead sensor produces one line per
// interval rather than fifty per second.
type Limiter struct {
	Interval time.Duration

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
	now        func() time.Time
}

// NewLimiter returns a Limiter that lets one message per key through every
// interval.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		Interval:   interval,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Printf logs the message unless the key was logged less than Interval ago.
// When a message gets through after suppression, the number of dropped
// repeats is appended.
func (l *Limiter) Printf(key, format string, v ...interface{}) {
	l.mu.Lock()
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.Interval {
		l.suppressed[key]++
		l.mu.Unlock()
		return
	}
	dropped := l.suppressed[key]
	l.last[key] = now
	delete(l.suppressed, key)
	l.mu.Unlock()

	if dropped > 0 {
		Printf(format+" (%d similar suppressed)", append(v, dropped)...)
		return
	}
	Printf(format, v...)
}
