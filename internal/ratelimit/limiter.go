// Package ratelimit holds process-local fixed-window counters used to
// throttle booking creation and login attempts. Counters are best
// effort: they are not shared across instances.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type entry struct {
	count     int
	expiresAt time.Time
}

// Options binds the configured limits for the intake specializations.
type Options struct {
	BookingMax    int
	BookingWindow time.Duration
	LoginMax      int
	LoginWindow   time.Duration
}

// Limiter is an injectable store of per-key fixed windows. A key is
// (purpose, subject); hitting the limit denies the request and doubles
// the remaining lockout.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

func New(opts Options) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		opts:    opts,
		now:     time.Now,
	}
}

// CheckAndConsume records one request against the (purpose, subject)
// window and reports whether it is allowed. On denial the window is
// extended so that repeated hammering pushes recovery further away.
func (l *Limiter) CheckAndConsume(purpose, subject string, max int, window time.Duration) bool {
	key := purpose + ":" + subject
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		l.entries[key] = &entry{count: 1, expiresAt: now.Add(window)}
		return true
	}

	if e.count < max {
		e.count++
		return true
	}

	e.expiresAt = now.Add(2 * e.expiresAt.Sub(now))
	return false
}

// AllowBooking throttles booking creation per client address.
func (l *Limiter) AllowBooking(addr string) bool {
	return l.CheckAndConsume("booking", addr, l.opts.BookingMax, l.opts.BookingWindow)
}

// AllowLogin throttles login attempts per (email, address) pair.
func (l *Limiter) AllowLogin(email, addr string) bool {
	subject := fmt.Sprintf("%s|%s", email, addr)
	return l.CheckAndConsume("login", subject, l.opts.LoginMax, l.opts.LoginWindow)
}

// Sweep drops expired windows. Intended to run periodically.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, key)
		}
	}
}
