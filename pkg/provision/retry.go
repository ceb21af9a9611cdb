package provision

import (
	"context"
	"time"
)

// RetryPolicy bounds a polling or retry loop. Delays[i] is the wait after
// attempt i+1; the last delay repeats when the slice is shorter.
type RetryPolicy struct {
	Attempts int
	Delays   []time.Duration
}

// Delay returns the wait after the attempt with zero-based index i.
func (p RetryPolicy) Delay(i int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if i >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	if i < 0 {
		return p.Delays[0]
	}
	return p.Delays[i]
}

// Total is the summed wait across every attempt.
func (p RetryPolicy) Total() time.Duration {
	var total time.Duration
	for i := 0; i < p.Attempts; i++ {
		total += p.Delay(i)
	}
	return total
}

func fixed(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delays: []time.Duration{delay}}
}

// Policies holds every bounded wait of the bootstrap sequence.
type Policies struct {
	// PortWait polls a closed SSH port before the first dial.
	PortWait RetryPolicy
	// Connect bounds the initial SSH dial.
	Connect RetryPolicy
	// Reconnect bounds the dial after the runtime install.
	Reconnect RetryPolicy
	// ReconnectSettle is the pause between closing and redialing.
	ReconnectSettle time.Duration
	// Ready polls the player health endpoint.
	Ready RetryPolicy
}

// DefaultPolicies returns the production waits.
func DefaultPolicies() Policies {
	return Policies{
		PortWait: fixed(12, 5*time.Second),
		Connect: RetryPolicy{Attempts: 5, Delays: []time.Duration{
			5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second,
		}},
		Reconnect:       fixed(3, 5*time.Second),
		ReconnectSettle: 2 * time.Second,
		Ready:           fixed(24, 5*time.Second),
	}
}

// WithoutDelays keeps the attempt caps and drops every wait.
func (p Policies) WithoutDelays() Policies {
	strip := func(r RetryPolicy) RetryPolicy { return RetryPolicy{Attempts: r.Attempts} }
	return Policies{
		PortWait:  strip(p.PortWait),
		Connect:   strip(p.Connect),
		Reconnect: strip(p.Reconnect),
		Ready:     strip(p.Ready),
	}
}

func (p Policies) normalized() Policies {
	def := DefaultPolicies()
	if p.PortWait.Attempts <= 0 {
		p.PortWait.Attempts = def.PortWait.Attempts
	}
	if p.Connect.Attempts <= 0 {
		p.Connect.Attempts = def.Connect.Attempts
	}
	if p.Reconnect.Attempts <= 0 {
		p.Reconnect.Attempts = def.Reconnect.Attempts
	}
	if p.Ready.Attempts <= 0 {
		p.Ready.Attempts = def.Ready.Attempts
	}
	return p
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
