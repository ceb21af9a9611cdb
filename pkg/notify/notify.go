// Package notify tells collaborators about terminal provisioning outcomes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Event describes a provisioning task that reached a terminal state.
type Event struct {
	TaskID    string    `json:"task_id"`
	Address   string    `json:"ip_address"`
	Status    string    `json:"status"`
	DeviceID  string    `json:"player_id,omitempty"`
	DeviceURL string    `json:"player_url,omitempty"`
	MAC       string    `json:"mac_address,omitempty"`
	Class     string    `json:"device_type,omitempty"`
	Error     string    `json:"error,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	At        time.Time `json:"at"`
}

// Encode returns the JSON wire form of ev, stamping At and Agent when unset.
func (ev Event) Encode() ([]byte, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Agent == "" {
		ev.Agent = AgentID()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "notify: marshal event failed")
	}
	return data, nil
}

// Summary renders ev as one human readable line.
func (ev Event) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[provision] %s %s", ev.Address, strings.ToUpper(ev.Status))
	if ev.DeviceURL != "" {
		fmt.Fprintf(&b, " player=%s", ev.DeviceURL)
	}
	if ev.Class != "" {
		fmt.Fprintf(&b, " type=%s", ev.Class)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	fmt.Fprintf(&b, " task=%s", ev.TaskID)
	return b.String()
}

// Notifier delivers events. Delivery failures never change a task outcome.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []string
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Closer is implemented by notifiers that hold connections.
type Closer interface {
	Close() error
}

// Close closes every notifier of m that holds a connection.
func (m Multi) Close() error {
	var first error
	for _, n := range m {
		if c, ok := n.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
