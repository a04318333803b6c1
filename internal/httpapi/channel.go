package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pty"
)

const (
	channelWriteWait     = 10 * time.Second
	channelPongWait      = 60 * time.Second
	channelPingInterval  = (channelPongWait * 9) / 10
	channelPolicyViolation = 1008
)

// inboundMessage is the control envelope a client may send over the
// channel. A message that fails to parse as this shape, or parses with an
// empty Type, is treated as raw terminal input instead (the happy-path
// scenario sends literal keystrokes, not JSON).
type inboundMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Cols uint   `json:"cols"`
	Rows uint   `json:"rows"`
}

// upgrader is built per-Server so CheckOrigin can honor the configured
// frontend origin, mirroring the teacher's ALLOWED_WEBSOCKET_ORIGIN check.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.cfg.FrontendOrigin == "" {
				return true
			}
			return strings.TrimSpace(origin) == strings.TrimSpace(s.cfg.FrontendOrigin)
		},
	}
}

// wsSink adapts a gorilla websocket connection to pty.Sink, serializing
// writes behind one mutex the way the teacher's WebSocketClient.writePump
// is the connection's sole writer.
type wsSink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (w *wsSink) SendText(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed {
		return nil
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsSink) Close(code int, reason string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return w.conn.Close()
}

func (w *wsSink) ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed {
		return nil
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsSink) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(channelPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := w.ping(); err != nil {
				return
			}
		}
	}
}

func queryUint(c *gin.Context, key string, def uint) uint {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return def
	}
	return uint(n)
}

// handleChannel upgrades GET /sessions/{id}/channel to the duplex
// transport. Existence is checked before the upgrade so a genuine 404 can
// still be rendered as a normal JSON response; any failure discovered only
// once Attach runs (AlreadyAttached, a dead shell) is reported as an
// immediate close frame instead, since the HTTP status line is already
// committed by then.
func (s *Server) handleChannel(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		writeError(c, err)
		return
	}

	cols := queryUint(c, "cols", 80)
	rows := queryUint(c, "rows", 24)

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.HTTP().Warn().Err(err).Str("session_id", sessionID).Msg("failed to upgrade channel")
		return
	}

	channelID := uuid.NewString()
	sink := newWSSink(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := s.sessions.Attach(ctx, sessionID, channelID, sink, cols, rows)
	if err != nil {
		logging.HTTP().Info().Err(err).Str("session_id", sessionID).Msg("channel attach rejected")
		_ = sink.Close(channelPolicyViolation, err.Error())
		return
	}

	connected, _ := json.Marshal(map[string]any{"type": "connected", "channelId": channelID})
	_ = sink.SendText(connected)

	pingDone := make(chan struct{})
	go sink.pingLoop(pingDone)
	defer close(pingDone)

	conn.SetReadDeadline(time.Now().Add(channelPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(channelPongWait))
		return nil
	})

	inbound := make(chan []byte, 16)
	go s.readChannel(conn, sessionID, clientIDFrom(c), transport, inbound)

	_ = pty.Bridge(ctx, transport, inbound)

	s.sessions.Detach(sessionID, channelID)
	_ = sink.Close(websocket.CloseNormalClosure, "channel closed")
}

// readChannel is the channel's sole reader: it demultiplexes resize control
// messages (handled inline) from raw terminal input (forwarded to inbound,
// in order, for the bridge loop to write), admitting every piece of input
// against the per-client commands/minute budget before it reaches the shell.
func (s *Server) readChannel(conn *websocket.Conn, sessionID, clientID string, transport *pty.Transport, inbound chan<- []byte) {
	defer close(inbound)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.sessions.Touch(sessionID)

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err == nil && msg.Type != "" {
			switch msg.Type {
			case "resize":
				_ = transport.Resize(context.Background(), msg.Cols, msg.Rows)
			case "input":
				if !s.admitChannelInput(conn, clientID) {
					return
				}
				if !sendInbound(inbound, []byte(msg.Data), transport) {
					return
				}
			default:
				logging.HTTP().Debug().Str("type", msg.Type).Msg("ignoring unrecognized control message")
			}
			continue
		}

		if !s.admitChannelInput(conn, clientID) {
			return
		}
		if !sendInbound(inbound, payload, transport) {
			return
		}
	}
}

// admitChannelInput counts one inbound message against the client's
// commands/minute budget, closing the channel with a policy-violation frame
// and giving up on the read loop if the client is over budget.
func (s *Server) admitChannelInput(conn *websocket.Conn, clientID string) bool {
	decision := s.limiter.AdmitCommand(clientID)
	if decision.Allowed {
		return true
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(channelPolicyViolation, decision.Reason))
	return false
}

// sendInbound forwards data to the bridge loop, giving up (rather than
// blocking forever) once the transport has already exited.
func sendInbound(inbound chan<- []byte, data []byte, transport *pty.Transport) bool {
	select {
	case inbound <- data:
		return true
	case <-transport.Done():
		return false
	}
}
