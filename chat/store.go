// Package chat maintains the conversation list and the message history of
// the single active conversation, synchronized over the realtime channel.
package chat

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"onestop/domain"
	"onestop/realtime"
)

// Logger is used for push-handling failures. Replaceable for tests.
var Logger = log.Default()

// DefaultPageSize bounds the message page loaded when a conversation opens.
// There is no scroll-back pagination; only the most recent page is held.
const DefaultPageSize = 50

// DefaultTypingTimeout is the silence window after which "not typing" is
// emitted, and after which a peer's typing indicator expires.
const DefaultTypingTimeout = 2 * time.Second

// DeleteMode selects how Delete behaves.
type DeleteMode string

const (
	// DeleteForMe hides the message locally only; the counterpart's view is
	// unaffected. It is a display filter, not a deletion broadcast.
	DeleteForMe DeleteMode = "for_me"
	// DeleteForEveryone asks the server to replace the body with the
	// deletion marker for both participants.
	DeleteForEveryone DeleteMode = "for_everyone"
)

// API is the slice of the REST client the store depends on.
type API interface {
	Conversations(ctx context.Context) ([]domain.Conversation, error)
	ConversationWith(ctx context.Context, userID string) (*domain.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Channel is the slice of the realtime connection the store depends on.
type Channel interface {
	On(eventType string, fn realtime.Handler) int
	Off(eventType string, id int)
	Emit(eventType string, payload any) error
	Request(ctx context.Context, eventType string, payload any) ([]byte, error)
}

type subscription struct {
	event string
	id    int
}

type typingKey struct {
	conversationID string
	userID         string
}

// Store owns the thread list and the active conversation's messages.
//
// Opening a conversation discards the previously loaded history (there is
// no multi-thread cache); reopening re-fetches. An epoch counter guards
// against a stale page response landing after the user has already switched
// to another conversation.
type Store struct {
	api    API
	selfID string

	PageSize      int
	TypingTimeout time.Duration

	mu         sync.Mutex
	threads    []domain.Conversation
	active     *domain.Conversation
	messages   []domain.Message
	epoch      int
	tombstones map[string]struct{}

	channel Channel
	subs    []subscription

	outgoingTyping bool
	typingTimer    *time.Timer
	peerTyping     map[typingKey]*time.Timer

	// OnChange, when set, is invoked after every visible mutation. Called
	// without the store lock held.
	OnChange func()
}

// NewStore builds a store for the session user identified by selfID.
func NewStore(api API, selfID string) *Store {
	return &Store{
		api:           api,
		selfID:        selfID,
		PageSize:      DefaultPageSize,
		TypingTimeout: DefaultTypingTimeout,
		tombstones:    make(map[string]struct{}),
		peerTyping:    make(map[typingKey]*time.Timer),
	}
}

// Attach subscribes the store to message and typing pushes on the channel.
func (s *Store) Attach(ch Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	on := func(event string, fn realtime.Handler) {
		id := ch.On(event, fn)
		s.mu.Lock()
		s.subs = append(s.subs, subscription{event: event, id: id})
		s.mu.Unlock()
	}

	on(realtime.EventMessageNew, func(data []byte) {
		var m domain.Message
		if err := json.Unmarshal(data, &m); err != nil {
			Logger.Printf("chat: bad message push: %v", err)
			return
		}
		s.handleIncoming(m)
	})
	on(realtime.EventMessageUpdate, func(data []byte) {
		var u realtime.MessageUpdatePayload
		if err := json.Unmarshal(data, &u); err != nil {
			Logger.Printf("chat: bad status push: %v", err)
			return
		}
		s.handleStatus(u)
	})
	on(realtime.EventMessageDeleted, func(data []byte) {
		var p realtime.MessageDeletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			Logger.Printf("chat: bad delete push: %v", err)
			return
		}
		s.handleDeleted(p)
	})
	on(realtime.EventTyping, func(data []byte) {
		var p realtime.TypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			Logger.Printf("chat: bad typing push: %v", err)
			return
		}
		s.handleTyping(p)
	})
}

// Detach removes the channel subscriptions and stops typing timers.
func (s *Store) Detach() {
	s.mu.Lock()
	ch := s.channel
	subs := s.subs
	s.subs = nil
	s.channel = nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	for k, t := range s.peerTyping {
		t.Stop()
		delete(s.peerTyping, k)
	}
	s.mu.Unlock()
	if ch == nil {
		return
	}
	for _, sub := range subs {
		ch.Off(sub.event, sub.id)
	}
}

// ListConversations fetches the session user's thread list. On failure the
// current list is left untouched.
func (s *Store) ListConversations(ctx context.Context) error {
	threads, err := s.api.Conversations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.threads = threads
	s.mu.Unlock()
	s.changed()
	return nil
}

// Open loads an existing thread: the most recent page is fetched, the
// previous history (if any) is discarded, and messages addressed to the
// session user are marked seen over the channel.
func (s *Store) Open(ctx context.Context, conv domain.Conversation) error {
	return s.open(ctx, conv)
}

// OpenWith opens the thread with the target user, creating it first when no
// thread exists yet.
func (s *Store) OpenWith(ctx context.Context, userID string) error {
	conv, err := s.api.ConversationWith(ctx, userID)
	if err != nil {
		return err
	}
	s.upsertThread(*conv)
	return s.open(ctx, *conv)
}

func (s *Store) open(ctx context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.active = &conv
	s.messages = nil // previous history is dropped, not cached
	s.mu.Unlock()
	s.changed()

	page, err := s.api.Messages(ctx, conv.ID, s.PageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// The user switched conversations while this page was in flight.
		s.mu.Unlock()
		return nil
	}
	page = s.filterTombstonedLocked(page)
	s.messages = page
	ch := s.channel
	var unseen []string
	for _, m := range page {
		if m.RecipientID == s.selfID && m.Status != domain.StatusSeen {
			unseen = append(unseen, m.ID)
		}
	}
	s.mu.Unlock()
	s.changed()

	if ch != nil && len(unseen) > 0 {
		err := ch.Emit(realtime.EventMessageMark, realtime.MessageMarkPayload{
			ConversationID: conv.ID,
			MessageIDs:     unseen,
			Status:         domain.StatusSeen,
		})
		if err != nil {
			Logger.Printf("chat: mark seen: %v", err)
		}
	}
	return nil
}

func (s *Store) filterTombstonedLocked(page []domain.Message) []domain.Message {
	if len(s.tombstones) == 0 {
		return page
	}
	out := page[:0]
	for _, m := range page {
		if _, dead := s.tombstones[m.ID]; !dead {
			out = append(out, m)
		}
	}
	return out
}

// Send emits the trimmed body over the channel and appends the canonical
// message returned by the acknowledgement. The local draft itself is never
// appended, so a failed send leaves no phantom message. Sending also
// cancels any outstanding typing indicator.
func (s *Store) Send(ctx context.Context, body string) (*domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domain.ErrEmptyMessage
	}
	s.mu.Lock()
	active := s.active
	ch := s.channel
	s.mu.Unlock()
	if active == nil {
		return nil, domain.ErrNoConversation
	}
	if ch == nil {
		return nil, domain.ErrNotConnected
	}

	s.stopTyping(active.ID, ch)

	data, err := ch.Request(ctx, realtime.EventMessageSend, realtime.MessageSendPayload{
		ConversationID: active.ID,
		Body:           body,
	})
	if err != nil {
		return nil, err
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil && s.active.ID == msg.ConversationID {
		s.messages = append(s.messages, msg)
	}
	s.updateSnapshotLocked(msg)
	s.mu.Unlock()
	s.changed()
	return &msg, nil
}

// handleIncoming routes a pushed message: appended to the visible list only
// when it belongs to the open thread and is not already present, while the
// thread list's last-message snapshot is updated either way. Locally
// deleted messages are never resurrected by a re-delivery.
func (s *Store) handleIncoming(m domain.Message) {
	s.mu.Lock()
	if _, dead := s.tombstones[m.ID]; dead {
		s.updateSnapshotLocked(m)
		s.mu.Unlock()
		s.changed()
		return
	}
	if s.active != nil && s.active.ID == m.ConversationID {
		dup := false
		for i := range s.messages {
			if s.messages[i].ID == m.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.messages = append(s.messages, m)
		}
	}
	s.updateSnapshotLocked(m)
	s.mu.Unlock()
	s.changed()
}

// handleStatus raises a loaded message's delivery status. Statuses never
// move backwards; unknown message IDs are ignored.
func (s *Store) handleStatus(u realtime.MessageUpdatePayload) {
	s.mu.Lock()
	touched := false
	for i := range s.messages {
		if s.messages[i].ID == u.MessageID {
			if u.Status.Rank() > s.messages[i].Status.Rank() {
				s.messages[i].Status = u.Status
				touched = true
			}
			break
		}
	}
	s.mu.Unlock()
	if touched {
		s.changed()
	}
}

// handleDeleted replaces the body of a for-everyone-deleted message in
// place; position and timestamp are preserved so thread continuity holds.
func (s *Store) handleDeleted(p realtime.MessageDeletedPayload) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == p.MessageID {
			s.messages[i].Body = domain.DeletedBody
			s.messages[i].Deleted = true
			break
		}
	}
	for i := range s.threads {
		last := s.threads[i].LastMessage
		if last != nil && last.ID == p.MessageID {
			// Replace the pointer rather than mutating through it:
			// earlier Threads() snapshots share the old value.
			deleted := *last
			deleted.Body = domain.DeletedBody
			deleted.Deleted = true
			s.threads[i].LastMessage = &deleted
		}
	}
	s.mu.Unlock()
	s.changed()
}

// Delete removes a message. DeleteForMe filters it from the local view only
// and tombstones the ID; DeleteForEveryone asks the server and, once
// acknowledged, replaces the body with the deletion marker in place.
func (s *Store) Delete(ctx context.Context, messageID string, mode DeleteMode) error {
	switch mode {
	case DeleteForMe:
		s.mu.Lock()
		s.tombstones[messageID] = struct{}{}
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.ID != messageID {
				kept = append(kept, m)
			}
		}
		s.messages = kept
		s.mu.Unlock()
		s.changed()
		return nil

	case DeleteForEveryone:
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		if ch == nil {
			return domain.ErrNotConnected
		}
		_, err := ch.Request(ctx, realtime.EventMessageDelete, realtime.MessageDeletePayload{
			MessageID: messageID,
		})
		if err != nil {
			return err
		}
		s.handleDeleted(realtime.MessageDeletedPayload{MessageID: messageID})
		return nil

	default:
		return domain.ErrNotFound
	}
}

// SetTyping emits the typing indicator for the active conversation. On
// true, an idle timer is (re)armed to emit false automatically after the
// typing timeout; calling with false cancels immediately.
func (s *Store) SetTyping(typing bool) {
	s.mu.Lock()
	active := s.active
	ch := s.channel
	s.mu.Unlock()
	if active == nil || ch == nil {
		return
	}

	if !typing {
		s.stopTyping(active.ID, ch)
		return
	}

	s.mu.Lock()
	firstKeystroke := !s.outgoingTyping
	s.outgoingTyping = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	convID := active.ID
	s.typingTimer = time.AfterFunc(s.TypingTimeout, func() {
		s.stopTyping(convID, ch)
	})
	s.mu.Unlock()

	if firstKeystroke {
		s.emitTyping(ch, active.ID, true)
	}
}

// stopTyping cancels the idle timer and emits "not typing" if one was
// outstanding.
func (s *Store) stopTyping(conversationID string, ch Channel) {
	s.mu.Lock()
	wasTyping := s.outgoingTyping
	s.outgoingTyping = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()
	if wasTyping {
		s.emitTyping(ch, conversationID, false)
	}
}

func (s *Store) emitTyping(ch Channel, conversationID string, typing bool) {
	err := ch.Emit(realtime.EventTyping, realtime.TypingPayload{
		ConversationID: conversationID,
		Typing:         typing,
	})
	if err != nil {
		Logger.Printf("chat: typing emit: %v", err)
	}
}

// handleTyping tracks a peer's typing indicator, expiring it after the
// typing timeout in case the peer's "stopped" signal is lost.
func (s *Store) handleTyping(p realtime.TypingPayload) {
	key := typingKey{conversationID: p.ConversationID, userID: p.FromUserID}
	s.mu.Lock()
	if t, ok := s.peerTyping[key]; ok {
		t.Stop()
		delete(s.peerTyping, key)
	}
	if p.Typing {
		s.peerTyping[key] = time.AfterFunc(s.TypingTimeout, func() {
			s.mu.Lock()
			delete(s.peerTyping, key)
			s.mu.Unlock()
			s.changed()
		})
	}
	s.mu.Unlock()
	s.changed()
}

// TypingPeers returns the IDs of users currently typing in the given
// conversation.
func (s *Store) TypingPeers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.peerTyping {
		if key.conversationID == conversationID {
			out = append(out, key.userID)
		}
	}
	return out
}

// updateSnapshotLocked refreshes the denormalized last-message snapshot on
// the corresponding thread, whether or not that thread is open.
func (s *Store) updateSnapshotLocked(m domain.Message) {
	for i := range s.threads {
		if s.threads[i].ID == m.ConversationID {
			msg := m
			s.threads[i].LastMessage = &msg
			s.threads[i].UpdatedAt = m.CreatedAt
			return
		}
	}
}

// upsertThread adds a thread to the list when it is not known yet (a fresh
// get-or-create result), otherwise leaves the list alone.
func (s *Store) upsertThread(conv domain.Conversation) {
	s.mu.Lock()
	for i := range s.threads {
		if s.threads[i].ID == conv.ID {
			s.mu.Unlock()
			return
		}
	}
	s.threads = append([]domain.Conversation{conv}, s.threads...)
	s.mu.Unlock()
	s.changed()
}

// Threads returns a copy of the conversation list. LastMessage is copied
// too, so the snapshot shares nothing with store state.
func (s *Store) Threads() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, len(s.threads))
	copy(out, s.threads)
	for i := range out {
		if out[i].LastMessage != nil {
			last := *out[i].LastMessage
			out[i].LastMessage = &last
		}
	}
	return out
}

// Active returns the open conversation, or nil.
func (s *Store) Active() *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	conv := *s.active
	return &conv
}

// Messages returns a copy of the active conversation's loaded messages in
// chronological order.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
