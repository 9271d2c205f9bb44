// Package ratelimit limits events per remote address over fixed time windows,
// counting per address and per enclosing subnets.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// Classes of addresses counted together, from narrow to wide. A limit applies
// to each class separately, so a spread over a subnet is limited too.
var (
	PrefixesIPv4 = [3]int{32, 26, 21}
	PrefixesIPv6 = [3]int{64, 48, 32}
)

type key struct {
	class  uint8
	prefix netip.Prefix
}

// Window holds the counts for one fixed window, with a limit per class.
type Window struct {
	Duration time.Duration
	Limits   [3]int64

	period int64 // Start of current window, in units of Duration.
	counts map[key]int64
}

// Limiter counts events in one or more windows, e.g. the last minute and the
// last hour. The zero value allows nothing, windows must be set.
type Limiter struct {
	sync.Mutex
	Windows []Window
}

func keys(addr netip.Addr) [3]key {
	addr = addr.Unmap()
	prefixes := PrefixesIPv6
	if addr.Is4() {
		prefixes = PrefixesIPv4
	}
	var l [3]key
	for i, bits := range prefixes {
		p, err := addr.Prefix(bits)
		if err != nil {
			// Invalid address, counted as a whole.
			p = netip.Prefix{}
		}
		l[i] = key{uint8(i), p}
	}
	return l
}

// Add counts n events for addr at tm, unless that would exceed a limit. It
// returns whether the events were counted.
func (l *Limiter) Add(addr netip.Addr, tm time.Time, n int64) bool {
	return l.add(true, addr, tm, n)
}

// CanAdd returns whether n events could be added for addr at tm.
func (l *Limiter) CanAdd(addr netip.Addr, tm time.Time, n int64) bool {
	return l.add(false, addr, tm, n)
}

func (l *Limiter) add(record bool, addr netip.Addr, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	ks := keys(addr)
	for i := range l.Windows {
		w := &l.Windows[i]
		period := tm.UnixNano() / int64(w.Duration)
		if period > w.period || w.counts == nil {
			w.period = period
			w.counts = map[key]int64{}
		}
		for j, k := range ks {
			if w.counts[k]+n > w.Limits[j] {
				return false
			}
		}
	}
	if !record {
		return true
	}
	for i := range l.Windows {
		for _, k := range ks {
			l.Windows[i].counts[k] += n
		}
	}
	return true
}

// Reset removes the events counted for addr in the current windows, also from
// the subnet counts. Used after a success, e.g. a good authentication.
func (l *Limiter) Reset(addr netip.Addr, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	ks := keys(addr)
	for i := range l.Windows {
		w := &l.Windows[i]
		if w.counts == nil || tm.UnixNano()/int64(w.Duration) != w.period {
			continue
		}
		n := w.counts[ks[0]]
		for _, k := range ks {
			w.counts[k] = max(0, w.counts[k]-n)
		}
	}
}
