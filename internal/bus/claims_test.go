package bus

import (
	"sort"
	"testing"
)

func TestClaimsFirstWins(t *testing.T) {
	c := NewClaims()
	if !c.Claim("100") {
		t.Fatal("first claim refused")
	}
	if c.Claim("100") {
		t.Fatal("second claim for the same message accepted")
	}
	if !c.Claim("101") {
		t.Fatal("other message refused")
	}
}

func TestClaimsIgnoreLiveTrafficPastCutoff(t *testing.T) {
	c := NewClaims()
	c.Claim("150") // claimed before the cutoff was known
	c.Claim("90")

	if got := c.Cutoff("120"); got != "120" {
		t.Fatalf("Cutoff = %q, want 120", got)
	}
	if got := c.Cutoff("200"); got != "120" {
		t.Fatalf("second Cutoff = %q, first call must win", got)
	}
	if c.Len() != 1 {
		t.Errorf("tracked %d messages, want only the one below the cutoff", c.Len())
	}

	if !c.Claim("150") || !c.Claim("150") {
		t.Error("messages past the cutoff are live only and always admitted")
	}
	if c.Claim("90") {
		t.Error("backlog message claimed twice")
	}
}

func TestNilClaimsAdmitsEverything(t *testing.T) {
	var c *Claims
	if !c.Claim("1") || !c.Claim("1") {
		t.Error("nil claims must not deduplicate")
	}
	if c.Cutoff("5") != "5" {
		t.Error("nil claims returns the candidate cutoff")
	}
}

func TestIDLess(t *testing.T) {
	ids := []string{"1000", "999", "1000000000000000002", "1000000000000000001"}
	sort.Slice(ids, func(i, j int) bool { return IDLess(ids[i], ids[j]) })
	want := []string{"999", "1000", "1000000000000000001", "1000000000000000002"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}
