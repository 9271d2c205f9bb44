package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		Windows: []Window{
			{Duration: time.Minute, Limits: [...]int64{2, 4, 6}},
		},
	}

	now := time.Now()
	check := func(exp bool, ip string, tm time.Time, n int64) {
		t.Helper()
		addr := netip.MustParseAddr(ip)
		if ok := l.CanAdd(addr, tm, n); ok != exp {
			t.Fatalf("canadd %s, got %v, expected %v", ip, ok, exp)
		}
		if ok := l.Add(addr, tm, n); ok != exp {
			t.Fatalf("add %s, got %v, expected %v", ip, ok, exp)
		}
	}
	check(false, "10.0.0.1", now, 3) // Over limit at once.
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 2)
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 1)

	next := now.Add(time.Minute)
	check(true, "10.0.0.1", next, 2)  // New window.
	check(true, "10.0.0.2", next, 2)  // Other address.
	check(false, "10.0.0.3", next, 2) // Same /26, used up.
	check(true, "10.0.1.4", next, 2)  // Other /26, same /21.
	check(false, "10.0.2.4", next, 2) // The /21 is used up.
	l.Reset(netip.MustParseAddr("10.0.1.4"), next)
	if !l.CanAdd(netip.MustParseAddr("10.0.1.4"), next, 2) {
		t.Fatalf("reset did not free up count for address")
	}
	check(true, "10.0.2.4", next, 2)

	// IPv4-mapped addresses count as IPv4.
	check(false, "::ffff:10.0.2.5", next, 1)

	l = &Limiter{
		Windows: []Window{
			{Duration: time.Minute, Limits: [...]int64{1, 2, 3}},
			{Duration: time.Hour, Limits: [...]int64{2, 3, 4}},
		},
	}
	tm := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	check(true, "2001:db8::1", tm, 1)
	check(false, "2001:db8::2", tm, 1) // Same /64.
	check(true, "2001:db8::1", tm.Add(time.Minute), 1)
	check(false, "2001:db8::1", tm.Add(2*time.Minute), 1) // Hour window used up.
	check(true, "2001:db8:1::1", tm.Add(2*time.Minute), 1)
}
