package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchyard/internal/turn"
	"golang.org/x/time/rate"
)

// Conn is one client connection. It implements turn.Sink; frames are
// written in the order they are sent.
type Conn struct {
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *slog.Logger
}

var _ turn.Sink = (*Conn)(nil)

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue blocks until the writer accepts frame or the connection closes.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) sendEnvelope(typ string, endpoint *string, data interface{}) error {
	frame, err := newEnvelope(typ, endpoint, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("realtime: read", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if !c.limiter.Allow() {
			c.reportError(0, ErrRateLimited)
			continue
		}
		c.hub.dispatch(c, data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("realtime: write", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Chunk forwards one piece of an endpoint's reply.
func (c *Conn) Chunk(endpoint string, ch turn.Chunk) error {
	createdAt := ch.Response.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return c.sendEnvelope(TypeOnChatMessage, &endpoint, ChatMessageData{
		Message:        ch.Response,
		MessageMetrics: ch.Metrics,
		MessageChunkID: ch.CorrelationID,
		CreatedAt:      createdAt,
	})
}

// Failed reports a failed branch.
func (c *Conn) Failed(endpoint string, chatID uint, correlationID string, err error) error {
	data := ErrorData{ChatID: chatID, Error: err.Error()}
	if correlationID != "" {
		data.MessageChunkID = &correlationID
	}
	return c.sendEnvelope(TypeOnChatError, &endpoint, data)
}

// TitleCreated announces a chat's new title.
func (c *Conn) TitleCreated(chatID uint, title string) error {
	return c.sendEnvelope(TypeOnChatTitleCreated, nil, TitleData{ChatID: chatID, Title: title})
}

func (c *Conn) reportError(chatID uint, err error) {
	c.log.Warn("realtime: rejected message", "chat_id", chatID, "error", err)
	if serr := c.sendEnvelope(TypeOnChatError, nil, ErrorData{ChatID: chatID, Error: err.Error()}); serr != nil {
		c.log.Debug("realtime: report error", "error", serr)
	}
}
