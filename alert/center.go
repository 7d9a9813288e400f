// Package alert is the process-wide surface for ephemeral alerts: each
// alert auto-dismisses after a fixed interval unless dismissed earlier.
package alert

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the auto-dismiss interval.
const DefaultTTL = 4 * time.Second

// Severity classifies an alert for presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is a single ephemeral entry.
type Alert struct {
	ID       int
	Title    string
	Message  string
	Severity Severity
	At       time.Time
}

// Center holds the live alert list.
type Center struct {
	// TTL is the auto-dismiss interval; settable before use for tests.
	TTL time.Duration

	mu     sync.Mutex
	nextID int
	items  []Alert
	timers map[int]*time.Timer

	// OnChange, when set, is invoked after the list changes. Called without
	// the lock held.
	OnChange func()
}

// NewCenter builds a Center with the default TTL.
func NewCenter() *Center {
	return &Center{
		TTL:    DefaultTTL,
		timers: make(map[int]*time.Timer),
	}
}

// Push adds an alert and arms its dismiss timer. An empty severity is
// classified from the title and message; an explicit one always wins.
func (c *Center) Push(a Alert) int {
	if a.Severity == "" {
		a.Severity = Classify(a.Title + " " + a.Message)
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}

	c.mu.Lock()
	c.nextID++
	a.ID = c.nextID
	c.items = append(c.items, a)
	id := a.ID
	c.timers[id] = time.AfterFunc(c.TTL, func() {
		c.Dismiss(id)
	})
	c.mu.Unlock()

	c.changed()
	return id
}

// Dismiss removes an alert early; dismissing an unknown ID is a no-op.
func (c *Center) Dismiss(id int) {
	c.mu.Lock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	found := false
	kept := c.items[:0]
	for _, a := range c.items {
		if a.ID == id {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	c.items = kept
	c.mu.Unlock()

	if found {
		c.changed()
	}
}

// List returns a copy of the live alerts in arrival order.
func (c *Center) List() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}

// Classify derives a severity by sniffing the text for well-known keywords.
// It is a best-effort presentation heuristic, not a contract; pushes that
// carry an explicit severity bypass it entirely.
func Classify(text string) Severity {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "error"), strings.Contains(t, "failed"), strings.Contains(t, "rejected"):
		return SeverityError
	case strings.Contains(t, "warning"):
		return SeverityWarning
	case strings.Contains(t, "approved"), strings.Contains(t, "success"):
		return SeveritySuccess
	default:
		return SeverityInfo
	}
}
