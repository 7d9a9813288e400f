package devserver_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onestop/chat"
	"onestop/config"
	"onestop/domain"
	"onestop/internal/devserver"
	"onestop/notify"
	"onestop/realtime"
	"onestop/rest"
)

// session bundles everything one logged-in user holds: REST client,
// realtime connection, and the two stores.
type session struct {
	user  domain.UserSummary
	api   *rest.Client
	conn  *realtime.Conn
	chat  *chat.Store
	inbox *notify.Store
}

func startServer(t *testing.T) (*devserver.Server, string, string) {
	t.Helper()
	cfg := &config.Server{
		JWTSecret:   "integration-secret",
		TokenTTL:    time.Hour,
		DatabaseDSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
	}
	s, err := devserver.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return s, srv.URL, wsURL
}

func login(t *testing.T, apiURL, wsURL, email string) *session {
	t.Helper()
	api := rest.NewClient(apiURL, "", 5*time.Second)
	res, err := api.Login(context.Background(), email, "password")
	require.NoError(t, err)

	conn, err := realtime.NewConn(realtime.Options{
		URL:       wsURL,
		Token:     res.Token,
		BaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Dial(context.Background()))

	threads := chat.NewStore(api, res.User.ID)
	threads.Attach(conn)
	t.Cleanup(threads.Detach)

	inbox := notify.NewStore(api)
	inbox.Attach(conn)
	t.Cleanup(inbox.Detach)
	require.NoError(t, inbox.FetchAll(context.Background()))

	return &session{user: res.User, api: api, conn: conn, chat: threads, inbox: inbox}
}

func TestMessageRoundTrip(t *testing.T) {
	s, apiURL, wsURL := startServer(t)

	_, err := s.SeedUser(context.Background(), "Asha", "asha@onestop.local", "recruiter", "password")
	require.NoError(t, err)
	_, err = s.SeedUser(context.Background(), "Chris", "chris@onestop.local", "candidate", "password")
	require.NoError(t, err)

	asha := login(t, apiURL, wsURL, "asha@onestop.local")
	chris := login(t, apiURL, wsURL, "chris@onestop.local")
	ctx := context.Background()

	// Asha opens (and thereby creates) the thread with Chris and sends.
	require.NoError(t, asha.chat.OpenWith(ctx, chris.user.ID))
	sent, err := asha.chat.Send(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, sent.Status, "the acknowledgement carries the message at sent")

	// Chris is online, so the server raises the status to delivered and
	// pushes the update back to Asha.
	require.Eventually(t, func() bool {
		msgs := asha.chat.Messages()
		return len(msgs) == 1 && msgs[0].Status == domain.StatusDelivered
	}, 5*time.Second, 20*time.Millisecond, "sender should see delivered")

	// The recipient also gets a notification about the new message.
	require.Eventually(t, func() bool {
		return chris.inbox.Unread() == 1
	}, 5*time.Second, 20*time.Millisecond, "recipient should be notified")
	items := chris.inbox.List()
	require.NotEmpty(t, items)
	assert.Equal(t, "New message", items[0].Title)
	assert.False(t, items[0].Read)

	// Chris opens the thread: the page loads and the inbound message is
	// marked seen, which Asha observes as a status update.
	require.NoError(t, chris.chat.ListConversations(ctx))
	threads := chris.chat.Threads()
	require.Len(t, threads, 1)
	require.NoError(t, chris.chat.Open(ctx, threads[0]))

	msgs := chris.chat.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)

	require.Eventually(t, func() bool {
		msgs := asha.chat.Messages()
		return len(msgs) == 1 && msgs[0].Status == domain.StatusSeen
	}, 5*time.Second, 20*time.Millisecond, "sender should see seen after the recipient opens")

	// Deleting for everyone replaces the body on both sides, in place.
	require.NoError(t, asha.chat.Delete(ctx, sent.ID, chat.DeleteForEveryone))
	assert.Equal(t, domain.DeletedBody, asha.chat.Messages()[0].Body)
	require.Eventually(t, func() bool {
		msgs := chris.chat.Messages()
		return len(msgs) == 1 && msgs[0].Body == domain.DeletedBody && msgs[0].Deleted
	}, 5*time.Second, 20*time.Millisecond, "recipient sees the deletion marker")
}

func TestTypingForwardedToPeer(t *testing.T) {
	s, apiURL, wsURL := startServer(t)
	_, err := s.SeedUser(context.Background(), "Asha", "asha@onestop.local", "recruiter", "password")
	require.NoError(t, err)
	_, err = s.SeedUser(context.Background(), "Chris", "chris@onestop.local", "candidate", "password")
	require.NoError(t, err)

	asha := login(t, apiURL, wsURL, "asha@onestop.local")
	chris := login(t, apiURL, wsURL, "chris@onestop.local")
	ctx := context.Background()

	require.NoError(t, asha.chat.OpenWith(ctx, chris.user.ID))
	conv := asha.chat.Active()
	require.NotNil(t, conv)
	require.NoError(t, chris.chat.ListConversations(ctx))
	require.NoError(t, chris.chat.Open(ctx, *conv))

	asha.chat.SetTyping(true)

	require.Eventually(t, func() bool {
		peers := chris.chat.TypingPeers(conv.ID)
		return len(peers) == 1 && peers[0] == asha.user.ID
	}, 5*time.Second, 20*time.Millisecond, "peer should see the typing indicator")

	asha.chat.SetTyping(false)
	require.Eventually(t, func() bool {
		return len(chris.chat.TypingPeers(conv.ID)) == 0
	}, 5*time.Second, 20*time.Millisecond, "indicator clears on stop")
}

func TestSendValidation(t *testing.T) {
	s, apiURL, wsURL := startServer(t)
	_, err := s.SeedUser(context.Background(), "Asha", "asha@onestop.local", "recruiter", "password")
	require.NoError(t, err)
	_, err = s.SeedUser(context.Background(), "Chris", "chris@onestop.local", "candidate", "password")
	require.NoError(t, err)

	asha := login(t, apiURL, wsURL, "asha@onestop.local")
	ctx := context.Background()

	// No active conversation yet.
	_, err = asha.chat.Send(ctx, "hello")
	assert.ErrorIs(t, err, domain.ErrNoConversation)

	// Unknown counterparts are rejected at the REST layer.
	err = asha.chat.OpenWith(ctx, "no-such-user")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Self-chat is rejected too.
	err = asha.chat.OpenWith(ctx, asha.user.ID)
	assert.Error(t, err)
}

func TestRESTAuthRequired(t *testing.T) {
	_, apiURL, _ := startServer(t)

	c := rest.NewClient(apiURL, "", 5*time.Second)
	_, err := c.Conversations(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	c.SetToken("garbage")
	_, err = c.Notifications(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s, apiURL, _ := startServer(t)
	_, err := s.SeedUser(context.Background(), "Asha", "asha@onestop.local", "recruiter", "password")
	require.NoError(t, err)

	c := rest.NewClient(apiURL, "", 5*time.Second)
	_, err = c.Login(context.Background(), "asha@onestop.local", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}
