package stream

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/handler/apierr"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/whisper/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Sender appends one turn on behalf of the connected party.
type Sender func(ctx context.Context, content string) (chat.Message, error)

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WebSocket upgrades chat connections. Inbound {"type":"message"} frames are
// appended through the Sender; every thread entry is pushed as an "entry"
// frame.
type WebSocket struct {
	upgrader websocket.Upgrader
}

// NewWebSocket 创建WebSocket处理器
func NewWebSocket() *WebSocket {
	return &WebSocket{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(outgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Serve upgrades the request and pumps sub until either side hangs up. It
// takes ownership of sub.
func (h *WebSocket) Serve(w http.ResponseWriter, r *http.Request, messageID string, sub *chatservice.Subscription, send Sender) {
	defer sub.Close()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}

	log.Printf("[websocket] new connection for message: %s", messageID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if err := c.write("connected", Ready{MessageID: messageID}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// A finished subscription ends the connection, which also stops
		// the blocked reader.
		defer ws.Close()
		h.pushEntries(ctx, c, sub)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, c)
	}()

	h.readLoop(ctx, c, send)
	cancel()
	wg.Wait()
}

func (h *WebSocket) readLoop(ctx context.Context, c *conn, send Sender) {
	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch msg.Type {
		case "message":
			if _, err := send(ctx, msg.Content); err != nil {
				h.sendError(c, err)
			}
		default:
			h.sendError(c, errs.Validation("unsupported frame type"))
		}
	}
}

// pushEntries returns when the subscription ends or the peer is gone.
func (h *WebSocket) pushEntries(ctx context.Context, c *conn, sub *chatservice.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.write("entry", m); err != nil {
				log.Printf("[websocket] write entry failed: %v", err)
				return
			}
		}
	}
}

func (h *WebSocket) sendError(c *conn, err error) {
	_, code, message := apierr.Describe(err)
	if writeErr := c.write("error", errorData{Code: code, Message: message}); writeErr != nil {
		log.Printf("[websocket] write error failed: %v", writeErr)
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocket) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
