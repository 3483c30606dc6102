package channels

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterNoticeCap(t *testing.T) {
	const replyLimit = 3
	rl := NewRateLimiter(time.Hour, replyLimit)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := rl.Check("alice", now); got != Admit {
		t.Fatalf("first request = %v, want admit", got)
	}

	var notices, drops int
	for i := 0; i < replyLimit+4; i++ {
		switch rl.Check("alice", now.Add(time.Duration(i+1)*time.Minute)) {
		case Notify:
			notices++
		case Drop:
			drops++
		case Admit:
			t.Fatalf("request %d admitted inside the window", i)
		}
	}
	if notices != replyLimit {
		t.Errorf("notices = %d, want %d", notices, replyLimit)
	}
	if drops != 4 {
		t.Errorf("drops = %d, want 4", drops)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.Check("bob", now)
	if got := rl.Check("bob", now.Add(time.Minute)); got != Notify {
		t.Fatalf("got %v, want notify", got)
	}
	if got := rl.Check("bob", now.Add(2*time.Minute)); got != Drop {
		t.Fatalf("got %v, want drop", got)
	}

	later := now.Add(time.Hour + time.Second)
	if got := rl.Check("bob", later); got != Admit {
		t.Fatalf("after window: got %v, want admit", got)
	}
	// notices start over with the new window
	if got := rl.Check("bob", later.Add(time.Minute)); got != Notify {
		t.Fatalf("new window: got %v, want notify", got)
	}
}

func TestRateLimiterUsersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 0)
	now := time.Now()

	if rl.Check("a", now) != Admit || rl.Check("b", now) != Admit {
		t.Fatal("distinct users should both be admitted")
	}
	if got := rl.Check("a", now); got != Drop {
		t.Errorf("reply limit 0 should drop silently, got %v", got)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if got := rl.Check("spam", now); got != Admit {
			t.Fatalf("zero window should always admit, got %v", got)
		}
	}
	if rl.Tracked() != 0 {
		t.Errorf("disabled limiter should not track users")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.Check("old", now)
	rl.Check("new", now.Add(50*time.Second))

	removed := rl.Sweep(now.Add(70 * time.Second))
	if removed != 1 || rl.Tracked() != 1 {
		t.Fatalf("removed %d, tracked %d; want 1 and 1", removed, rl.Tracked())
	}
}

func TestRateLimiterBoundedTracking(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 1)
	now := time.Now()
	for i := 0; i < maxTrackedUsers+10; i++ {
		rl.Check(fmt.Sprintf("user-%d", i), now)
	}
	if rl.Tracked() > maxTrackedUsers {
		t.Errorf("tracked %d users, cap is %d", rl.Tracked(), maxTrackedUsers)
	}
}
