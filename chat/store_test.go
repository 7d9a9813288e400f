package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"onestop/chat"
	"onestop/domain"
	"onestop/realtime"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Conversation), args.Error(1)
}

func (m *MockAPI) ConversationWith(ctx context.Context, userID string) (*domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockAPI) Messages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

// fakeChannel records emits and lets tests fire server pushes into the
// handlers the store registered.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]map[int]realtime.Handler
	nextID   int
	emits    []emitted
	ackFn    func(event string, payload any) ([]byte, error)
}

type emitted struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]realtime.Handler)}
}

func (f *fakeChannel) On(eventType string, fn realtime.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[eventType] == nil {
		f.handlers[eventType] = make(map[int]realtime.Handler)
	}
	f.handlers[eventType][f.nextID] = fn
	return f.nextID
}

func (f *fakeChannel) Off(eventType string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[eventType], id)
}

func (f *fakeChannel) Emit(eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: eventType, payload: payload})
	return nil
}

func (f *fakeChannel) Request(ctx context.Context, eventType string, payload any) ([]byte, error) {
	f.mu.Lock()
	f.emits = append(f.emits, emitted{event: eventType, payload: payload})
	ackFn := f.ackFn
	f.mu.Unlock()
	if ackFn == nil {
		return nil, nil
	}
	return ackFn(eventType, payload)
}

// fire delivers a server push to every registered handler.
func (f *fakeChannel) fire(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	fns := make([]realtime.Handler, 0, len(f.handlers[eventType]))
	for _, fn := range f.handlers[eventType] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitted, len(f.emits))
	copy(out, f.emits)
	return out
}

const (
	selfID = "user-a"
	peerID = "user-b"
)

func thread(id string) domain.Conversation {
	return domain.Conversation{
		ID: id,
		Participants: []domain.UserSummary{
			{ID: selfID, Name: "A"},
			{ID: peerID, Name: "B"},
		},
		UpdatedAt: time.Now(),
	}
}

func msg(id, convID, sender string, body string) domain.Message {
	recipient := peerID
	if sender == peerID {
		recipient = selfID
	}
	return domain.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		RecipientID:    recipient,
		Body:           body,
		Status:         domain.StatusSent,
		CreatedAt:      time.Now(),
	}
}

// openStore builds a store with thread t1 open and the given history loaded.
func openStore(t *testing.T, api *MockAPI, ch *fakeChannel, history []domain.Message) *chat.Store {
	t.Helper()
	s := chat.NewStore(api, selfID)
	s.Attach(ch)
	t.Cleanup(s.Detach)

	api.On("Conversations", mock.Anything).Return([]domain.Conversation{thread("t1"), thread("t2")}, nil).Once()
	require.NoError(t, s.ListConversations(context.Background()))

	api.On("Messages", mock.Anything, "t1", s.PageSize).Return(history, nil).Once()
	require.NoError(t, s.Open(context.Background(), thread("t1")))
	return s
}

func TestSendRejectsEmptyBody(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, nil)
	before := len(ch.emitted())

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := s.Send(context.Background(), body)
		assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	}
	assert.Len(t, ch.emitted(), before, "no emission may occur for empty bodies")
	assert.Empty(t, s.Messages())
}

func TestSendAppendsOnlyAckedMessage(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	canonical := msg("m1", "t1", selfID, "hello")
	ch.ackFn = func(event string, payload any) ([]byte, error) {
		return json.Marshal(canonical)
	}
	s := openStore(t, api, ch, nil)

	sent, err := s.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "m1", sent.ID)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)

	// The thread snapshot follows the send.
	for _, th := range s.Threads() {
		if th.ID == "t1" {
			require.NotNil(t, th.LastMessage)
			assert.Equal(t, "m1", th.LastMessage.ID)
		}
	}
}

func TestIncomingRoutesByConversation(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, []domain.Message{msg("m1", "t1", peerID, "hi")})

	other := msg("m9", "t2", peerID, "elsewhere")
	ch.fire(t, realtime.EventMessageNew, other)

	msgs := s.Messages()
	require.Len(t, msgs, 1, "foreign-thread message must not enter the visible list")
	assert.Equal(t, "m1", msgs[0].ID)

	for _, th := range s.Threads() {
		if th.ID == "t2" {
			require.NotNil(t, th.LastMessage, "snapshot updates even for closed threads")
			assert.Equal(t, "m9", th.LastMessage.ID)
		}
	}
}

func TestIncomingDeduplicatesByID(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, []domain.Message{msg("m1", "t1", selfID, "hello")})

	ch.fire(t, realtime.EventMessageNew, msg("m1", "t1", selfID, "hello"))

	assert.Len(t, s.Messages(), 1)
}

func TestStatusRaisesMonotonically(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	canonical := msg("m1", "t1", selfID, "hello")
	ch.ackFn = func(event string, payload any) ([]byte, error) {
		return json.Marshal(canonical)
	}
	s := openStore(t, api, ch, nil)

	_, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, s.Messages()[0].Status)

	ch.fire(t, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
		MessageID: "m1", ConversationID: "t1", Status: domain.StatusDelivered,
	})
	assert.Equal(t, domain.StatusDelivered, s.Messages()[0].Status)

	ch.fire(t, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
		MessageID: "m1", ConversationID: "t1", Status: domain.StatusSeen,
	})
	assert.Equal(t, domain.StatusSeen, s.Messages()[0].Status)

	// A late, lower-status update never moves the message backwards.
	ch.fire(t, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
		MessageID: "m1", ConversationID: "t1", Status: domain.StatusDelivered,
	})
	assert.Equal(t, domain.StatusSeen, s.Messages()[0].Status)

	// Unknown IDs are ignored.
	ch.fire(t, realtime.EventMessageUpdate, realtime.MessageUpdatePayload{
		MessageID: "missing", ConversationID: "t1", Status: domain.StatusSeen,
	})
}

func TestDeleteForMeIsLocalAndSticky(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, []domain.Message{
		msg("m1", "t1", peerID, "one"),
		msg("m2", "t1", peerID, "two"),
	})
	before := len(ch.emitted())

	require.NoError(t, s.Delete(context.Background(), "m1", chat.DeleteForMe))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Len(t, ch.emitted(), before, "self-only delete is a display filter, not a broadcast")

	// A re-delivered copy must not resurrect the hidden message.
	ch.fire(t, realtime.EventMessageNew, msg("m1", "t1", peerID, "one"))
	assert.Len(t, s.Messages(), 1)
}

func TestDeleteForEveryoneReplacesBodyInPlace(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	ch.ackFn = func(event string, payload any) ([]byte, error) { return nil, nil }
	first := msg("m1", "t1", selfID, "oops")
	first.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := openStore(t, api, ch, []domain.Message{first, msg("m2", "t1", peerID, "reply")})

	require.NoError(t, s.Delete(context.Background(), "m1", chat.DeleteForEveryone))

	msgs := s.Messages()
	require.Len(t, msgs, 2, "deletion preserves position, it does not remove")
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, domain.DeletedBody, msgs[0].Body)
	assert.True(t, msgs[0].Deleted)
	assert.Equal(t, first.CreatedAt, msgs[0].CreatedAt)
}

func TestThreadSnapshotsShareNothingWithStore(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, nil)

	// Populate the last-message snapshot on t1.
	ch.fire(t, realtime.EventMessageNew, msg("m1", "t1", peerID, "hello"))

	snapshot := s.Threads()
	var before *domain.Message
	for _, th := range snapshot {
		if th.ID == "t1" {
			before = th.LastMessage
		}
	}
	require.NotNil(t, before)

	// Readers hammer their own snapshots while deletion pushes land.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			for _, th := range s.Threads() {
				if th.LastMessage != nil {
					_ = th.LastMessage.Body
				}
			}
		}
	}()
	for i := 0; i < 50; i++ {
		ch.fire(t, realtime.EventMessageDeleted, realtime.MessageDeletedPayload{
			MessageID: "m1", ConversationID: "t1",
		})
	}
	<-done

	// The earlier snapshot is untouched; a fresh one sees the deletion.
	assert.Equal(t, "hello", before.Body)
	assert.False(t, before.Deleted)
	for _, th := range s.Threads() {
		if th.ID == "t1" {
			require.NotNil(t, th.LastMessage)
			assert.Equal(t, domain.DeletedBody, th.LastMessage.Body)
			assert.True(t, th.LastMessage.Deleted)
		}
	}
}

func TestOpenMarksUnseenMessagesSeen(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	inbound := msg("m1", "t1", peerID, "hi")
	inbound.Status = domain.StatusDelivered
	alreadySeen := msg("m2", "t1", peerID, "old")
	alreadySeen.Status = domain.StatusSeen
	mine := msg("m3", "t1", selfID, "mine")
	openStore(t, api, ch, []domain.Message{inbound, alreadySeen, mine})

	var mark *realtime.MessageMarkPayload
	for _, e := range ch.emitted() {
		if e.event == realtime.EventMessageMark {
			p := e.payload.(realtime.MessageMarkPayload)
			mark = &p
		}
	}
	require.NotNil(t, mark, "opening must mark inbound messages seen over the channel")
	assert.Equal(t, "t1", mark.ConversationID)
	assert.Equal(t, []string{"m1"}, mark.MessageIDs)
	assert.Equal(t, domain.StatusSeen, mark.Status)
}

func TestOpenDiscardsStaleResponse(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := chat.NewStore(api, selfID)
	s.Attach(ch)
	t.Cleanup(s.Detach)

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	api.On("Messages", mock.Anything, "t1", s.PageSize).
		Run(func(mock.Arguments) { close(slowStarted); <-release }).
		Return([]domain.Message{msg("stale", "t1", peerID, "stale")}, nil).Once()
	api.On("Messages", mock.Anything, "t2", s.PageSize).
		Return([]domain.Message{msg("fresh", "t2", peerID, "fresh")}, nil).Once()

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), thread("t1")) }()
	<-slowStarted

	require.NoError(t, s.Open(context.Background(), thread("t2")))
	close(release)
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 1, "the stale t1 page must be discarded")
	assert.Equal(t, "fresh", msgs[0].ID)
	require.NotNil(t, s.Active())
	assert.Equal(t, "t2", s.Active().ID)
}

func TestTypingIdleTimeout(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, nil)
	s.TypingTimeout = 30 * time.Millisecond

	s.SetTyping(true)
	s.SetTyping(true) // repeated keystrokes re-arm, they do not re-emit

	assert.Eventually(t, func() bool {
		var states []bool
		for _, e := range ch.emitted() {
			if e.event == realtime.EventTyping {
				states = append(states, e.payload.(realtime.TypingPayload).Typing)
			}
		}
		return len(states) == 2 && states[0] && !states[1]
	}, time.Second, 5*time.Millisecond, "exactly one typing:true then the idle typing:false")
}

func TestSendCancelsTyping(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	ch.ackFn = func(event string, payload any) ([]byte, error) {
		return json.Marshal(msg("m1", "t1", selfID, "hello"))
	}
	s := openStore(t, api, ch, nil)
	s.TypingTimeout = time.Minute // far enough to not fire on its own

	s.SetTyping(true)
	_, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)

	var states []bool
	for _, e := range ch.emitted() {
		if e.event == realtime.EventTyping {
			states = append(states, e.payload.(realtime.TypingPayload).Typing)
		}
	}
	assert.Equal(t, []bool{true, false}, states)
}

func TestPeerTypingExpires(t *testing.T) {
	api := new(MockAPI)
	ch := newFakeChannel()
	s := openStore(t, api, ch, nil)
	s.TypingTimeout = 30 * time.Millisecond

	ch.fire(t, realtime.EventTyping, realtime.TypingPayload{
		ConversationID: "t1", FromUserID: peerID, Typing: true,
	})
	assert.Equal(t, []string{peerID}, s.TypingPeers("t1"))

	assert.Eventually(t, func() bool {
		return len(s.TypingPeers("t1")) == 0
	}, time.Second, 5*time.Millisecond, "a lost stop signal must expire the indicator")
}
