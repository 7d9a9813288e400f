package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"onestop/domain"
)

// State is the lifecycle state of the connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Connection timing constants.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// redialDelay is the fixed pause before redialing after a
	// server-initiated close (normal closure).
	redialDelay = 2 * time.Second
)

// Logger is used for connection lifecycle and event diagnostics.
// Replaceable so tests can silence it.
var Logger = log.Default()

// Handler receives the raw payload of a subscribed event. Handlers run on
// the connection's read goroutine and must not block.
type Handler func(data []byte)

// Options configures a Conn.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws.
	URL string
	// Token is the bearer credential attached at connect time. A credential
	// change requires a new Conn; tokens are not refreshed mid-session.
	Token string

	ConnectTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration

	// OnState is invoked on every state transition. Optional.
	OnState func(State)
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 10 * time.Second
	}
}

// Conn supervises exactly one realtime channel for one credential.
//
// Listener registrations live on the Conn, not on the underlying socket, so
// reconnects never duplicate handlers. Close deregisters everything; a
// closed Conn cannot be reused.
type Conn struct {
	opts Options

	// writeMu serializes data writes on the socket; gorilla/websocket
	// allows at most one concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	closed   bool
	dead     bool // reconnect attempts exhausted; a new Conn is required
	handlers map[string]map[int]Handler
	nextSub  int
	pending  map[int64]chan Ack

	seq atomic.Int64
}

// NewConn validates the credential and returns an unconnected Conn in the
// disconnected state. Dial starts the connection.
func NewConn(opts Options) (*Conn, error) {
	if opts.Token == "" {
		return nil, domain.ErrNoCredential
	}
	if err := checkTokenExpiry(opts.Token); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	return &Conn{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[string]map[int]Handler),
		pending:  make(map[int64]chan Ack),
	}, nil
}

// checkTokenExpiry rejects a credential that is already expired. The token
// is otherwise opaque; signature verification is the server's job.
func checkTokenExpiry(tokenStr string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		// Not a JWT; let the server decide.
		return nil
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("credential expired at %s: %w", exp.Time.Format(time.RFC3339), domain.ErrUnauthorized)
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is currently usable.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.opts.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Dial connects, retrying with capped exponential backoff up to the
// configured attempt budget. On success a supervisor goroutine keeps the
// connection alive across transport failures with the same retry policy.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.dead {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	c.mu.Unlock()
	return c.connectLoop(ctx)
}

// connectLoop runs the bounded retry state machine.
func (c *Conn) connectLoop(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.isClosed() {
			return domain.ErrClosed
		}
		c.setState(StateConnecting)
		ws, err := c.dialOnce(ctx)
		if err == nil {
			c.attach(ws)
			return nil
		}
		lastErr = err
		c.setState(StateError)
		Logger.Printf("realtime: connect attempt %d/%d failed: %v", attempt, c.opts.MaxAttempts, err)
		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)):
		}
	}
	// Attempts exhausted: terminal for this channel instance.
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	return fmt.Errorf("reconnect attempts exhausted: %w", lastErr)
}

// backoff returns the delay before the given (1-based) retry attempt.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *Conn) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", c.opts.URL, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return ws, nil
}

// attach installs a freshly dialed socket and starts its pumps.
func (c *Conn) attach(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readPump(ws)
	go c.pingLoop(ws)
}

// readPump reads events until the socket fails, then drives the reconnect
// policy: a server-initiated close pauses briefly before redialing, a
// transport failure redials immediately.
func (c *Conn) readPump(ws *websocket.Conn) {
	var serverClosed bool
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			serverClosed = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !serverClosed && !c.isClosed() {
				Logger.Printf("realtime: read error: %v", err)
			}
			break
		}
		c.dispatch(ev)
	}

	c.detach(ws)
	if c.isClosed() {
		return
	}

	if serverClosed {
		c.setState(StateDisconnected)
		time.Sleep(redialDelay)
	}
	if err := c.connectLoop(context.Background()); err != nil && !c.isClosed() {
		Logger.Printf("realtime: giving up: %v", err)
	}
}

// detach tears down a socket and fails any in-flight acknowledgements.
func (c *Conn) detach(ws *websocket.Conn) {
	ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[int64]chan Ack)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- Ack{OK: false, Error: "connection lost"}
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.ws == ws
		c.mu.Unlock()
		if !current {
			return
		}
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

// dispatch routes an inbound event to the acknowledgement table or to the
// registered listeners.
func (c *Conn) dispatch(ev Event) {
	if ev.Type == EventAck {
		var ack Ack
		if len(ev.Data) > 0 {
			if err := json.Unmarshal(ev.Data, &ack); err != nil {
				Logger.Printf("realtime: malformed ack: %v", err)
				return
			}
		}
		c.mu.Lock()
		ch, ok := c.pending[ev.Seq]
		delete(c.pending, ev.Seq)
		c.mu.Unlock()
		if ok {
			ch <- ack
		}
		return
	}

	Logger.Printf("realtime: event %s", ev.Type)

	c.mu.Lock()
	subs := c.handlers[ev.Type]
	fns := make([]Handler, 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev.Data)
	}
}

// On registers a handler for an event type and returns a subscription id
// for Off.
func (c *Conn) On(eventType string, fn Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]Handler)
	}
	c.handlers[eventType][c.nextSub] = fn
	return c.nextSub
}

// Off removes a handler registered with On.
func (c *Conn) Off(eventType string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[eventType], id)
}

// Emit sends an event without waiting for an acknowledgement. It fails
// immediately with ErrNotConnected when the channel is down; there is no
// offline buffering.
func (c *Conn) Emit(eventType string, payload any) error {
	ev, err := marshalEvent(eventType, payload, 0)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return c.writeEvent(ev)
}

// Request sends an event and waits for the server's acknowledgement. The
// returned bytes are the ack's data payload.
func (c *Conn) Request(ctx context.Context, eventType string, payload any) ([]byte, error) {
	seq := c.seq.Add(1)
	ev, err := marshalEvent(eventType, payload, seq)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	ch := make(chan Ack, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.writeEvent(ev); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, ctx.Err()
	case ack := <-ch:
		if !ack.OK {
			if ack.Error == "connection lost" {
				return nil, domain.ErrNotConnected
			}
			return nil, fmt.Errorf("%s rejected: %s", eventType, ack.Error)
		}
		return ack.Data, nil
	}
}

func (c *Conn) writeEvent(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	ws := c.ws
	usable := c.state == StateConnected && ws != nil
	c.mu.Unlock()
	if !usable {
		return domain.ErrNotConnected
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", ev.Type, err)
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the channel down and deregisters every listener. It is the
// caller's teardown hook on credential disappearance or shutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.handlers = make(map[string]map[int]Handler)
	pending := c.pending
	c.pending = make(map[int64]chan Ack)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Ack{OK: false, Error: "connection lost"}
	}
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}
	c.setState(StateDisconnected)
	return nil
}
