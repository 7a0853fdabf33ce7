package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

const (
	wsPongWait     = 45 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

// Frame types.
const (
	frameRequest  = "request"
	frameCancel   = "cancel"
	frameEvent    = "event"
	frameTerminal = "terminal"
	frameError    = "error"
)

// wsFrame is the envelope for both directions. Clients send request and
// cancel frames; the server answers with event frames, one terminal frame
// per request, and error frames for rejected input.
type wsFrame struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id,omitempty"`
	Request  *models.RuntimeRequest `json:"request,omitempty"`
	Seq      int64                  `json:"seq,omitempty"`
	Event    *models.StreamEvent    `json:"event,omitempty"`
	Terminal *Terminal              `json:"terminal,omitempty"`
	Error    *errorDetail           `json:"error,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// wsSession serves one websocket connection. At most one request runs at a
// time; a second request frame is refused until the first one terminates.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string

	apiKey  string
	rateKey string

	mu     sync.Mutex
	active string
	stop   context.CancelFunc
	runs   sync.WaitGroup
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(r.Context())
	stopOnClose := context.AfterFunc(s.closing, cancel)
	defer stopOnClose()

	apiKey := strings.TrimSpace(r.Header.Get(PublicAPIKeyHeader))
	session := &wsSession{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		apiKey:  apiKey,
		rateKey: s.rateKey(r, apiKey),
	}
	session.run()
}

func (ws *wsSession) run() {
	// Unblock the reader once the session ends for any other reason.
	stop := context.AfterFunc(ws.ctx, func() {
		_ = ws.conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	go ws.writeLoop()
	ws.readLoop()
	ws.cancel()
	ws.runs.Wait()
	_ = ws.conn.Close()
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(ws.server.config.MaxBodyBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			ws.sendError("", "invalid_frame", err.Error())
			continue
		}
		switch frame.Type {
		case frameRequest:
			ws.handleRequest(&frame)
		case frameCancel:
			ws.handleCancel(frame.ID)
		default:
			ws.sendError(frame.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", frame.Type))
		}
	}
}

func (ws *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			_ = ws.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		case msg := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := ws.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.cancel()
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.cancel()
				return
			}
		}
	}
}

func (ws *wsSession) handleRequest(frame *wsFrame) {
	if frame.Request == nil {
		ws.sendError(frame.ID, "invalid_request", "request frame without request")
		return
	}
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}

	ws.mu.Lock()
	if ws.active != "" {
		active := ws.active
		ws.mu.Unlock()
		ws.sendError(id, "busy", fmt.Sprintf("request %s is still running", active))
		return
	}
	decision := ws.server.limiter.Allow(ws.rateKey)
	if !decision.Allowed {
		ws.mu.Unlock()
		ws.server.metrics.RateLimitRejected()
		ws.sendError(id, "rate_limited", fmt.Sprintf("rate limit exceeded, retry after %ss", retryAfterSeconds(decision.RetryAfter)))
		return
	}
	ctx, cancel := ws.server.requestContext(ws.ctx)
	ws.active = id
	ws.stop = cancel
	ws.runs.Add(1)
	ws.mu.Unlock()

	req := frame.Request
	req.PublicAPIKey = ws.apiKey
	go ws.serve(ctx, cancel, id, req)
}

func (ws *wsSession) handleCancel(id string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.active == "" || (id != "" && id != ws.active) {
		return
	}
	ws.stop()
}

func (ws *wsSession) serve(ctx context.Context, cancel context.CancelFunc, id string, req *models.RuntimeRequest) {
	defer ws.runs.Done()
	defer cancel()

	sink := &wsSink{session: ws, id: id}
	resp, err := ws.server.runner.Run(ctx, req, sink)
	if err != nil {
		ws.server.logger.DebugContext(ctx, "websocket run ended with error", "session", ws.id, "request", id, "error", err)
	}

	// Release the slot before the terminal frame so a client reacting to it
	// can send the next request right away.
	ws.mu.Lock()
	ws.active = ""
	ws.stop = nil
	ws.mu.Unlock()

	_ = ws.enqueue(ws.ctx, wsFrame{Type: frameTerminal, ID: id, Seq: sink.next(), Terminal: newTerminal(resp)}) //nolint:errcheck
}

// enqueue hands a frame to the write loop, waiting while the buffer is full.
func (ws *wsSession) enqueue(ctx context.Context, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case ws.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ws.ctx.Done():
		return ws.ctx.Err()
	}
}

func (ws *wsSession) sendError(id, code, message string) {
	_ = ws.enqueue(ws.ctx, wsFrame{Type: frameError, ID: id, Error: &errorDetail{Code: code, Message: message}}) //nolint:errcheck
}

// wsSink numbers the events of one request and forwards them as frames.
type wsSink struct {
	session *wsSession
	id      string
	mu      sync.Mutex
	seq     int64
}

func (s *wsSink) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Emit implements copilot.EventSink.
func (s *wsSink) Emit(ctx context.Context, ev models.StreamEvent) error {
	return s.session.enqueue(ctx, wsFrame{Type: frameEvent, ID: s.id, Seq: s.next(), Event: &ev})
}
