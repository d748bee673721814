// Package realtime serves the WebSocket connection the chat UI talks to.
// Each connection gets an ordered writer; turns started from it report
// back through the connection as a turn.Sink.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/switchyard/internal/turn"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize = 32 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 256
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("realtime: connection closed")
	// ErrRateLimited is reported for inbound messages over the limit.
	ErrRateLimited = errors.New("realtime: rate limit exceeded")
)

// Runner executes turns.
type Runner interface {
	Run(ctx context.Context, req turn.Request, sink turn.Sink) (*turn.Outcome, error)
}

// Aborter cancels in-flight turns.
type Aborter interface {
	AbortAll() int
	AbortChat(chatID uint) int
}

// EndpointLister reports the live endpoint addresses.
type EndpointLister interface {
	Addresses() []string
}

// Hub tracks open connections and dispatches their messages.
type Hub struct {
	runner       Runner
	aborter      Aborter
	endpoints    EndpointLister
	limit        rate.Limit
	burst        int
	writeTimeout time.Duration
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Opts holds parameters for creating a Hub.
type Opts struct {
	Runner            Runner
	Aborter           Aborter
	Endpoints         EndpointLister
	MessagesPerSecond float64 // inbound limit per connection; 0 disables
	Burst             int
	WriteTimeout      time.Duration
	// CheckOrigin filters upgrade requests. Defaults to allowing all.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// New creates a Hub.
func New(opts Opts) (*Hub, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("realtime: runner is required")
	}
	if opts.Aborter == nil {
		return nil, fmt.Errorf("realtime: aborter is required")
	}
	if opts.Endpoints == nil {
		return nil, fmt.Errorf("realtime: endpoints are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		runner:       opts.Runner,
		aborter:      opts.Aborter,
		endpoints:    opts.Endpoints,
		limit:        limit,
		burst:        burst,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Handler returns the gin handler that upgrades to a WebSocket.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ServeHTTP upgrades the request and serves the connection until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime: upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &Conn{
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.limit, h.burst),
		log:     h.logger.With("remote", r.RemoteAddr),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	c.log.Info("realtime: client connected")

	go c.writeLoop()
	if err := c.sendEnvelope(TypeRegisterEndpoints, nil, EndpointsData{Endpoints: nonNil(h.endpoints.Addresses())}); err != nil {
		c.log.Debug("realtime: register endpoints", "error", err)
	}
	c.readLoop()

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
	c.log.Info("realtime: client disconnected")
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// BroadcastEndpoints tells every client the live endpoint list changed.
func (h *Hub) BroadcastEndpoints(addresses []string) {
	frame, err := newEnvelope(TypeOnEndpointsChanged, nil, EndpointsData{Endpoints: nonNil(addresses)})
	if err != nil {
		h.logger.Error("realtime: broadcast", "error", err)
		return
	}
	for _, c := range h.snapshot() {
		if err := c.enqueue(frame); err != nil {
			c.log.Debug("realtime: broadcast", "error", err)
		}
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Close cancels running turns, closes every connection and waits for the
// turns to settle or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.cancel()
	for _, c := range h.snapshot() {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		h.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) dispatch(c *Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.reportError(0, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return
	}
	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.reportError(0, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
			return
		}
		req, err := msg.Request()
		if err != nil {
			c.reportError(msg.ChatID, err)
			return
		}
		h.startTurn(c, req)
	case TypeStopChat:
		var stop StopChat
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &stop); err != nil {
				c.reportError(0, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
				return
			}
		}
		var n int
		if stop.ChatID != 0 {
			n = h.aborter.AbortChat(stop.ChatID)
		} else {
			n = h.aborter.AbortAll()
		}
		c.log.Info("realtime: stop requested", "chat_id", stop.ChatID, "aborted", n)
	default:
		c.reportError(0, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, env.Type))
	}
}

func (h *Hub) startTurn(c *Conn, req turn.Request) {
	h.turns.Add(1)
	go func() {
		defer h.turns.Done()
		if _, err := h.runner.Run(h.ctx, req, c); err != nil {
			c.reportError(req.ChatID, err)
		}
	}()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
