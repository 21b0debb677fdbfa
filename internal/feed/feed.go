// Package feed streams host events to websocket clients and accepts
// approval commands from them.
//
// Each connection first receives the current state (see WithSnapshot),
// then every published event. Clients that fall behind miss events rather
// than slowing the host down.
package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plughost/internal/stream"
)

// Event types.
const (
	TypePlugins            = "plugins"
	TypeViolation          = "violation"
	TypeTermination        = "termination"
	TypePermissionRequests = "permission_requests"
	TypeUpdates            = "updates"
	TypeUpdateStatus       = "update_status"
	TypeInbox              = "inbox"
	TypeAck                = "ack"
	TypePong               = "pong"
)

// Command types.
const (
	CommandGrant  = "grant"
	CommandDeny   = "deny"
	CommandResume = "resume"
	CommandPing   = "ping"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxReadBytes = 4096
)

// ErrUnknownCommand is returned for command types the hub does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Event is one message sent to clients.
type Event struct {
	Type      string    `json:"type"`
	PluginID  string    `json:"pluginId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is one message received from a client.
type Command struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	PluginID   string `json:"pluginId,omitempty"`
	Permission string `json:"permission,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Ack answers a command.
type Ack struct {
	Command   string `json:"command"`
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// CommandHandler executes grant, deny and resume commands.
type CommandHandler func(ctx context.Context, cmd Command) error

// Hub fans events out to websocket clients.
type Hub struct {
	events   *stream.Feed[Event]
	upgrader websocket.Upgrader
	handler  CommandHandler
	snapshot func() []Event
	logger   hclog.Logger
	now      func() time.Time

	mu       sync.Mutex
	forwards []func()
	server   *http.Server
	clients  sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithCommandHandler accepts commands from clients. Without one every
// command except ping is rejected.
func WithCommandHandler(h CommandHandler) Option {
	return func(hub *Hub) {
		hub.handler = h
	}
}

// WithSnapshot sets the events sent to each new client before live events.
func WithSnapshot(fn func() []Event) Option {
	return func(hub *Hub) {
		hub.snapshot = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(hub *Hub) {
		hub.logger = logger
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(hub *Hub) {
		hub.now = now
	}
}

// WithOriginCheck restricts which origins may connect. All origins are
// accepted by default.
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(hub *Hub) {
		hub.upgrader.CheckOrigin = fn
	}
}

// NewHub creates a hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		events: stream.NewFeed[Event](256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish sends an event to every connected client.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	h.events.Send(e)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.events.Dropped()
}

// Forward publishes every value of sub, converted by fn, until sub ends or
// the hub closes. A nil event from fn is skipped.
func Forward[T any](h *Hub, sub *stream.Subscription[T], fn func(T) *Event) {
	h.mu.Lock()
	h.forwards = append(h.forwards, sub.Unsubscribe)
	h.mu.Unlock()

	go func() {
		for v := range sub.C {
			if e := fn(v); e != nil {
				h.Publish(*e)
			}
		}
	}()
}

// Handler returns an http.Handler serving the feed at /events.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", h)
	return mux
}

// Start serves the feed on addr in the background and returns the bound
// address.
func (h *Hub) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: writeWait}

	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("event feed stopped", "error", err)
		}
	}()
	h.logger.Info("event feed listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Close stops forwarding, disconnects every client and stops the server.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	forwards := h.forwards
	h.forwards = nil
	srv := h.server
	h.server = nil
	h.mu.Unlock()

	for _, unsubscribe := range forwards {
		unsubscribe()
	}
	h.events.Close()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	h.clients.Wait()
	return err
}

// ServeHTTP upgrades the request to a websocket and streams events to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribe before upgrading so nothing published after the handshake
	// is missed.
	sub := h.events.Subscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		sub:     sub,
		replies: make(chan Event, 16),
		done:    make(chan struct{}),
	}
	h.clients.Add(1)
	go c.writePump()
	c.readPump(r.Context())
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	sub     *stream.Subscription[Event]
	replies chan Event
	done    chan struct{}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.clients.Done()
	}()

	if c.hub.snapshot != nil {
		for _, e := range c.hub.snapshot() {
			if e.Timestamp.IsZero() {
				e.Timestamp = c.hub.now()
			}
			if !c.write(e) {
				return
			}
		}
	}

	for {
		select {
		case e, ok := <-c.sub.C:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"))
				return
			}
			if !c.write(e) {
				return
			}
		case e := <-c.replies:
			if !c.write(e) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) write(e Event) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(e); err != nil {
		c.hub.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.sub.Unsubscribe()
		close(c.done)
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		reply := c.hub.execute(ctx, cmd)
		select {
		case c.replies <- reply:
		default:
			c.hub.logger.Warn("dropping reply to slow client", "command", cmd.Type)
		}
	}
}

func (h *Hub) execute(ctx context.Context, cmd Command) Event {
	if cmd.Type == CommandPing {
		return Event{Type: TypePong, Timestamp: h.now()}
	}

	var err error
	switch {
	case cmd.Type != CommandGrant && cmd.Type != CommandDeny && cmd.Type != CommandResume:
		err = ErrUnknownCommand
	case h.handler == nil:
		err = errors.New("commands are not accepted")
	default:
		err = h.handler(ctx, cmd)
	}

	ack := Ack{Command: cmd.Type, RequestID: cmd.RequestID, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
		h.logger.Debug("command failed", "command", cmd.Type, "plugin", cmd.PluginID, "error", err)
	}
	return Event{Type: TypeAck, PluginID: cmd.PluginID, Data: ack, Timestamp: h.now()}
}
