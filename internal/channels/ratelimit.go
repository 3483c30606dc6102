package channels

import (
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedUsers caps the number of tracked users so a flood of distinct
// authors cannot grow the map without bound.
const maxTrackedUsers = 4096

// Decision is the rate limiter's verdict for one address-bearing message.
type Decision int

const (
	// Admit lets the request into the pipeline and restarts the user's window.
	Admit Decision = iota
	// Notify answers with a rate-limit notice; nothing is dispensed.
	Notify
	// Drop ignores the message without any reply.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Notify:
		return "notify"
	case Drop:
		return "drop"
	}
	return "unknown"
}

type userLimit struct {
	window  *rate.Limiter // one token per window, burst 1
	notices int           // rate-limit notices sent since the last admitted request
}

// RateLimiter tracks per-user request windows.
// It is not safe for concurrent use: the admission gate goroutine owns it.
type RateLimiter struct {
	window     time.Duration
	replyLimit int
	users      map[string]*userLimit
}

// NewRateLimiter allows one request per user per window and at most
// replyLimit rate-limit notices while a window is active.
func NewRateLimiter(window time.Duration, replyLimit int) *RateLimiter {
	if replyLimit < 0 {
		replyLimit = 0
	}
	return &RateLimiter{
		window:     window,
		replyLimit: replyLimit,
		users:      make(map[string]*userLimit),
	}
}

// Window returns the configured per-user window.
func (r *RateLimiter) Window() time.Duration { return r.window }

// Check decides what to do with a request from userID at now and updates the user's state.
func (r *RateLimiter) Check(userID string, now time.Time) Decision {
	if r.window <= 0 {
		return Admit
	}

	u, ok := r.users[userID]
	if !ok {
		if len(r.users) >= maxTrackedUsers {
			r.Sweep(now)
			r.evictOne()
		}
		u = &userLimit{window: rate.NewLimiter(rate.Every(r.window), 1)}
		r.users[userID] = u
	}

	if u.window.AllowN(now, 1) {
		u.notices = 0
		return Admit
	}
	if u.notices < r.replyLimit {
		u.notices++
		return Notify
	}
	return Drop
}

// Sweep forgets users whose window has elapsed; their next request is admitted anyway.
func (r *RateLimiter) Sweep(now time.Time) int {
	removed := 0
	for id, u := range r.users {
		if u.window.TokensAt(now) >= 1 {
			delete(r.users, id)
			removed++
		}
	}
	return removed
}

// evictOne drops an arbitrary entry when the map is still at capacity after a sweep.
func (r *RateLimiter) evictOne() {
	for len(r.users) >= maxTrackedUsers {
		for id := range r.users {
			delete(r.users, id)
			break
		}
	}
}

// Tracked reports how many users currently have state.
func (r *RateLimiter) Tracked() int { return len(r.users) }
