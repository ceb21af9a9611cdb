package provisionagent

import (
	"strings"
	"sync"
	"time"
)

// attemptLimiter caps provisioning attempts per address within a sliding
// window, so a misbehaving script cannot keep hammering one device.
type attemptLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

// newAttemptLimiter returns nil, which allows everything, when limit or
// window is not positive.
func newAttemptLimiter(limit int, window time.Duration) *attemptLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &attemptLimiter{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

// allow records an attempt for address at now and reports whether it is
// within the limit. Rejected attempts are not recorded.
func (r *attemptLimiter) allow(address string, now time.Time) bool {
	if r == nil {
		return true
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(address, now)
	if len(list) >= r.limit {
		return false
	}
	r.records[address] = append(list, now)
	return true
}

func (r *attemptLimiter) pruneLocked(address string, now time.Time) []time.Time {
	list := r.records[address]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	if len(list) == 0 {
		delete(r.records, address)
		return nil
	}
	r.records[address] = list
	return list
}
