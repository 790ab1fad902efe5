package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter throttles WebSocket upgrade attempts per client IP before
// any room state is touched.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rate     float64
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(rps float64) *IPRateLimiter {
	rl := &IPRateLimiter{
		limiters: make(map[string]*ipLimiterEntry),
		rate:     rps,
	}
	go rl.cleanup()
	return rl
}

func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.rate), int(rl.rate)*2),
		}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *IPRateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-10 * time.Minute)
		for ip, entry := range rl.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// MessageLimiter enforces the per-(room, user) message budget: at most
// `limit` diff/presence messages per fixed window. The counter resets once
// the window has fully elapsed since its recorded start. A token bucket
// refills continuously, which cannot express that contract, so the window
// is counted by hand.
// limiterSweepInterval bounds how often Allow prunes expired windows.
const limiterSweepInterval = time.Minute

type MessageLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	now       func() time.Time
	rooms     map[string]map[string]*messageWindow
	lastSweep time.Time
}

type messageWindow struct {
	start time.Time
	count int
}

func NewMessageLimiter(limit int, window time.Duration) *MessageLimiter {
	return &MessageLimiter{
		window: window,
		limit:  limit,
		now:    time.Now,
		rooms:  make(map[string]map[string]*messageWindow),
	}
}

// Allow records one message for (roomID, userID) and reports whether it is
// within budget.
func (l *MessageLimiter) Allow(roomID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.now(); now.Sub(l.lastSweep) >= limiterSweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	users, ok := l.rooms[roomID]
	if !ok {
		users = make(map[string]*messageWindow)
		l.rooms[roomID] = users
	}
	w, ok := users[userID]
	now := l.now()
	if !ok {
		w = &messageWindow{start: now}
		users[userID] = w
	} else if now.Sub(w.start) > l.window {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= l.limit
}

// sweepLocked drops expired windows so a long-lived busy room does not
// accumulate an entry per user ever seen.
func (l *MessageLimiter) sweepLocked(now time.Time) {
	for roomID, users := range l.rooms {
		for userID, w := range users {
			if now.Sub(w.start) > l.window {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(l.rooms, roomID)
		}
	}
}

// Forget drops all counters for a room, called on eviction.
func (l *MessageLimiter) Forget(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, roomID)
}
