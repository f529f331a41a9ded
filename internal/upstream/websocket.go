package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/wheel-sorter/internal/backoff"
	"github.com/ChuLiYu/wheel-sorter/pkg/types"
)

var log = slog.Default()

// hubMessage is the JSON frame exchanged over the hub connection.
type hubMessage struct {
	Type       string         `json:"type"`
	ParcelID   types.ParcelID `json:"parcel_id"`
	ChuteID    types.ChuteID  `json:"chute_id,omitempty"`
	DetectedAt int64          `json:"detected_at_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
}

const (
	msgParcelDetected  = "parcel_detected"
	msgChuteAssignment = "chute_assignment"
	msgNoAssignment    = "no_assignment"
)

// ============================================================================
// Client
// ============================================================================

// defaultRedialBase is the first redial delay after a failed dial.
const defaultRedialBase = 100 * time.Millisecond

// WebSocketClient keeps one persistent hub connection. Requests are written
// as frames and replies are matched back to callers by parcel id. A lost
// connection is redialed by the next request once its backoff has passed;
// requests in between fail fast with ErrNotConnected.
type WebSocketClient struct {
	url        string
	dialer     *websocket.Dialer
	redialBase time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[types.ParcelID]chan hubMessage
	closed   bool
	failures int       // consecutive failed dials
	nextDial time.Time // no dial before this

	writeMu sync.Mutex
}

// NewWebSocketClient creates a client for a ws:// or wss:// URL.
func NewWebSocketClient(url string) *WebSocketClient {
	return &WebSocketClient{
		url:        url,
		dialer:     websocket.DefaultDialer,
		redialBase: defaultRedialBase,
		pending:    make(map[types.ParcelID]chan hubMessage),
	}
}

// Connect dials the hub if there is no live connection.
func (c *WebSocketClient) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

// dialLocked dials the hub unless closed or already connected. A failed
// dial pushes the next allowed attempt out by an exponential backoff.
func (c *WebSocketClient) dialLocked(ctx context.Context) bool {
	if c.closed {
		return false
	}
	if c.conn != nil {
		return true
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.failures++
		delay := backoff.Jittered(c.redialBase, c.failures)
		c.nextDial = time.Now().Add(delay)
		log.Warn("Upstream hub dial failed", "url", c.url, "attempt", c.failures, "retry_in", delay, "error", err)
		return false
	}
	if c.failures > 0 {
		log.Info("Upstream hub reconnected", "url", c.url, "attempts", c.failures+1)
	}
	c.failures = 0
	c.nextDial = time.Time{}
	c.conn = conn
	go c.readLoop(conn)
	log.Info("Upstream hub connected", "url", c.url)
	return true
}

// NotifyParcelDetected writes one request frame and waits for its reply.
// Without a live connection it redials first, bounded by ctx.
func (c *WebSocketClient) NotifyParcelDetected(ctx context.Context, id types.ParcelID) (Assignment, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Assignment{}, ErrClosed
	}
	if c.conn == nil && (time.Now().Before(c.nextDial) || !c.dialLocked(ctx)) {
		c.mu.Unlock()
		return Assignment{}, ErrNotConnected
	}
	conn := c.conn
	reply := make(chan hubMessage, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := json.Marshal(hubMessage{Type: msgParcelDetected, ParcelID: id, DetectedAt: time.Now().UnixMilli()})
	if err != nil {
		return Assignment{}, err
	}
	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn)
		return Assignment{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		return Assignment{}, ctx.Err()
	case msg, ok := <-reply:
		if !ok {
			return Assignment{}, ErrNotConnected
		}
		if msg.Type != msgChuteAssignment {
			return Assignment{}, fmt.Errorf("%w: %s", ErrNoAssignment, msg.Error)
		}
		return Assignment{ParcelID: id, ChuteID: msg.ChuteID, ReceivedAt: time.Now()}, nil
	}
}

// Close shuts the connection and fails every pending request.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn)
	}
	return nil
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	defer c.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn("Upstream hub read failed", "error", err)
			}
			return
		}
		var msg hubMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Upstream hub sent malformed frame", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ParcelID]
		if ok {
			delete(c.pending, msg.ParcelID)
		}
		c.mu.Unlock()
		if !ok {
			// late reply for a parcel whose deadline already passed
			log.Debug("Upstream reply without waiter", "parcel_id", msg.ParcelID)
			continue
		}
		ch <- msg
	}
}

// drop closes conn and fails waiters if conn is still current.
func (c *WebSocketClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	waiters := c.pending
	c.pending = make(map[types.ParcelID]chan hubMessage)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range waiters {
		close(ch)
	}
}

// ============================================================================
// Hub server
// ============================================================================

// HubHandler serves an Engine to WebSocketClient connections. Each request
// frame is answered in its own goroutine so slow answers do not delay
// others.
type HubHandler struct {
	engine   Engine
	timeout  time.Duration
	upgrader websocket.Upgrader
}

// NewHubHandler creates a handler. timeout bounds each engine call.
func NewHubHandler(engine Engine, timeout time.Duration) *HubHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HubHandler{
		engine:  engine,
		timeout: timeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *HubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Hub upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg hubMessage) {
		data, _ := json.Marshal(msg)
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn("Hub write failed", "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req hubMessage
		if err := json.Unmarshal(data, &req); err != nil || req.Type != msgParcelDetected {
			continue
		}
		go func(req hubMessage) {
			cctx, ccancel := context.WithTimeout(ctx, h.timeout)
			defer ccancel()
			chute, err := h.engine.Assign(cctx, req.ParcelID)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return
				}
				send(hubMessage{Type: msgNoAssignment, ParcelID: req.ParcelID, Error: err.Error()})
				return
			}
			send(hubMessage{Type: msgChuteAssignment, ParcelID: req.ParcelID, ChuteID: chute})
		}(req)
	}
}
