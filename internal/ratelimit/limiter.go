// Package ratelimit implements the per-source-IP call-admission policy:
// a sliding window of recent call timestamps plus a ban-until deadline,
// not a token bucket.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks call counts in a sliding window per IP and bans an IP
// for banDuration once it exceeds maxCalls within period.
type Limiter struct {
	maxCalls   int
	period     time.Duration
	banFor     time.Duration

	mu         sync.Mutex
	calls      map[string][]time.Time
	bannedTill map[string]time.Time
	notified   map[string]bool
}

// New builds a Limiter that allows at most maxCalls within period before
// banning the caller for banFor.
func New(maxCalls int, period, banFor time.Duration) *Limiter {
	return &Limiter{
		maxCalls:   maxCalls,
		period:     period,
		banFor:     banFor,
		calls:      make(map[string][]time.Time),
		bannedTill: make(map[string]time.Time),
		notified:   make(map[string]bool),
	}
}

// IsBanned reports whether ip is currently banned, recording this call
// toward the sliding window (unless countCall is false, for checks that
// should not count as a call; the window is still trimmed then).
func (l *Limiter) IsBanned(ip string, countCall bool) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.bannedTill[ip]) {
		return true
	}

	if countCall {
		l.calls[ip] = append(l.calls[ip], now)
	}

	window := l.calls[ip]
	cut := 0
	for cut < len(window) && window[cut].Add(l.period).Before(now) {
		cut++
	}
	window = window[cut:]
	l.calls[ip] = window

	if len(window) > l.maxCalls {
		l.bannedTill[ip] = now.Add(l.banFor)
		l.calls[ip] = nil
		return true
	}

	l.notified[ip] = false
	return false
}

// ShouldNotify reports whether a ban notice for ip has not yet been sent,
// and marks it sent. Mirrors the original's one-shot "notified" flag so a
// banned client is told exactly once, not on every subsequent packet.
func (l *Limiter) ShouldNotify(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.notified[ip] {
		return false
	}
	l.notified[ip] = true
	return true
}

// Ban immediately bans ip for banFor, for operator-issued console bans.
func (l *Limiter) Ban(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bannedTill[ip] = time.Now().Add(l.banFor)
	l.calls[ip] = nil
}

// Unban clears any ban and call history for ip.
func (l *Limiter) Unban(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bannedTill, ip)
	delete(l.calls, ip)
	delete(l.notified, ip)
}

// Info reports the current call count and ban deadline for ip, for the
// console "rl" command.
func (l *Limiter) Info(ip string) (calls int, bannedUntil time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls[ip]), l.bannedTill[ip]
}
