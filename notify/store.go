// Package notify maintains the per-session notification list: an initial
// REST snapshot kept current by pushed channel events.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"onestop/domain"
	"onestop/realtime"
)

// Logger is used for fire-and-forget failures. Replaceable for tests.
var Logger = log.Default()

// API is the slice of the REST client the store depends on.
type API interface {
	Notifications(ctx context.Context) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Channel is the slice of the realtime connection the store depends on.
type Channel interface {
	On(eventType string, fn realtime.Handler) int
	Off(eventType string, id int)
}

type subscription struct {
	event string
	id    int
}

// Store holds the in-memory notification list, newest first.
//
// Pushes that arrive before the first snapshot resolves are buffered and
// reconciled by ID once it does, so a record never appears twice.
type Store struct {
	api API

	mu      sync.Mutex
	items   []domain.Notification
	unread  int
	fetched bool
	buffer  []domain.Notification

	channel Channel
	subs    []subscription

	// OnChange, when set, is invoked after every visible mutation so a UI
	// can re-render. Called without the store lock held.
	OnChange func()
}

// NewStore builds a store over the given API slice.
func NewStore(api API) *Store {
	return &Store{api: api}
}

// Attach subscribes the store to notification pushes on the channel.
// Detach must be called before the channel is reused by a new session.
func (s *Store) Attach(ch Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	for _, event := range []string{realtime.EventNotification, realtime.EventNotificationNew} {
		id := ch.On(event, func(data []byte) {
			var rec domain.Notification
			if err := json.Unmarshal(data, &rec); err != nil {
				Logger.Printf("notify: bad push payload: %v", err)
				return
			}
			s.Push(rec)
		})
		s.mu.Lock()
		s.subs = append(s.subs, subscription{event: event, id: id})
		s.mu.Unlock()
	}
}

// Detach removes the store's channel subscriptions.
func (s *Store) Detach() {
	s.mu.Lock()
	ch := s.channel
	subs := s.subs
	s.subs = nil
	s.channel = nil
	s.mu.Unlock()
	if ch == nil {
		return
	}
	for _, sub := range subs {
		ch.Off(sub.event, sub.id)
	}
}

// FetchAll replaces the list with the server snapshot and reconciles any
// pushes buffered while the fetch was in flight. On failure the list is
// left untouched and the error returned for the caller to surface.
func (s *Store) FetchAll(ctx context.Context) error {
	snapshot, err := s.api.Notifications(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items = snapshot
	s.unread = 0
	for _, n := range s.items {
		if !n.Read {
			s.unread++
		}
	}
	seen := make(map[string]struct{}, len(s.items))
	for _, n := range s.items {
		seen[n.ID] = struct{}{}
	}
	for _, n := range s.buffer {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		s.items = append([]domain.Notification{n}, s.items...)
		if !n.Read {
			s.unread++
		}
	}
	s.buffer = nil
	s.fetched = true
	s.mu.Unlock()

	s.changed()
	return nil
}

// Push prepends a pushed record (most-recent-first) and bumps the unread
// counter. Records arriving without an ID get a temporary one until the
// next fetch supplies the server-assigned identifier.
func (s *Store) Push(rec domain.Notification) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	s.mu.Lock()
	if !s.fetched {
		s.buffer = append(s.buffer, rec)
		s.mu.Unlock()
		return
	}
	s.items = append([]domain.Notification{rec}, s.items...)
	if !rec.Read {
		s.unread++
	}
	s.mu.Unlock()

	s.changed()
}

// MarkRead flips the record's read flag locally and acknowledges the server
// best-effort. A failed acknowledgement is logged, never rolled back; the
// next fetch reconciles. Marking an already-read record is a no-op.
func (s *Store) MarkRead(ctx context.Context, id string) {
	s.mu.Lock()
	flipped := false
	for i := range s.items {
		if s.items[i].ID == id && !s.items[i].Read {
			s.items[i].Read = true
			flipped = true
			break
		}
	}
	if flipped && s.unread > 0 {
		s.unread--
	}
	s.mu.Unlock()

	if !flipped {
		return
	}
	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		Logger.Printf("notify: mark read %s: %v", id, err)
	}
	s.changed()
}

// MarkAllRead flips every record locally with the same best-effort
// acknowledgement policy as MarkRead.
func (s *Store) MarkAllRead(ctx context.Context) {
	s.mu.Lock()
	for i := range s.items {
		s.items[i].Read = true
	}
	s.unread = 0
	s.mu.Unlock()

	if err := s.api.MarkAllNotificationsRead(ctx); err != nil {
		Logger.Printf("notify: mark all read: %v", err)
	}
	s.changed()
}

// List returns a copy of the current list, newest first.
func (s *Store) List() []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Unread returns the unread counter.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *Store) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
