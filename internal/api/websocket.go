package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resonance-trader/internal/engine"
	"resonance-trader/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsMessage wraps pushed snapshots.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func statusMessage(st engine.Status) wsMessage {
	return wsMessage{Type: string(engine.CmdStatus), Data: st}
}

// commandAck is the reply to a control message that went through Apply.
type commandAck struct {
	engine.Ack
}

// inflight counts control messages whose ack has not been written yet. While
// it is non-zero the writer holds the latest broadcast back so the client
// always sees the ack before the snapshot it caused.
type inflight struct {
	n atomic.Int32
}

// websocket streams status snapshots and accepts control messages. The
// writer goroutine owns all writes; the bus drops snapshots for a client that
// falls behind. A command's ack precedes the broadcast it triggers.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.Metrics.ClientConnected(1)
	defer s.Metrics.ClientConnected(-1)

	ctx, cancel := context.WithCancel(context.Background())
	statuses, unsub := s.Bus.Subscribe(events.EventStatus, sendBuffer)
	replies := make(chan any, sendBuffer)
	replies <- statusMessage(s.Engine.Status())

	pending := &inflight{}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, statuses, replies, pending)
	}()

	s.readPump(ctx, conn, replies, writerDone, pending)

	cancel()
	unsub()
	<-writerDone
	_ = conn.Close()
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, replies chan<- any, writerDone <-chan struct{}, pending *inflight) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(v any) bool {
		select {
		case replies <- v:
			return true
		case <-writerDone:
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var cmd engine.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if !reply(engine.Ack{Ack: engine.AckError, Reason: "malformed control message"}) {
				return
			}
			continue
		}
		if cmd.Type == engine.CmdStatus {
			if !reply(statusMessage(s.Engine.Status())) {
				return
			}
			continue
		}
		pending.n.Add(1)
		if !reply(commandAck{s.Engine.Apply(ctx, cmd)}) {
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, statuses <-chan any, replies <-chan any, pending *inflight) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			s.Logger.Debug("websocket write failed", zap.Error(err))
			return false
		}
		return true
	}

	var held *engine.Status
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload, ok := <-statuses:
			if !ok {
				return
			}
			st, isStatus := payload.(engine.Status)
			if !isStatus {
				continue
			}
			if pending.n.Load() > 0 {
				held = &st
				continue
			}
			if !write(statusMessage(st)) {
				_ = conn.Close()
				return
			}
		case v := <-replies:
			ack, isAck := v.(commandAck)
			if isAck {
				v = ack.Ack
			}
			if !write(v) {
				_ = conn.Close()
				return
			}
			if isAck && pending.n.Add(-1) == 0 && held != nil {
				st := *held
				held = nil
				if !write(statusMessage(st)) {
					_ = conn.Close()
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
