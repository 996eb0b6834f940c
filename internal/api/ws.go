package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsCommand is a client control message on the stream socket.
type wsCommand struct {
	Action string `json:"action"` // subscribe | unsubscribe
	TaskID string `json:"task_id"`
}

// wsEvent is one output event framed for the socket.
type wsEvent struct {
	Type     model.OutputEventKind `json:"type"`
	TaskID   string                `json:"task_id"`
	Sequence int64                 `json:"sequence"`
	Payload  json.RawMessage       `json:"payload,omitempty"`
}

// stream upgrades to a websocket multiplexing any number of task
// streams. Each subscribe replays the task's full record before live
// events, in order.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		conn:   conn,
		relay:  h.relay,
		subs:   make(map[string]*relay.Subscription),
		logger: h.logger,
	}
	defer c.closeAll()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.TaskID == "" {
			c.writeErr("invalid command")
			continue
		}
		switch cmd.Action {
		case "subscribe":
			if err := c.subscribe(ctx, cmd.TaskID); err != nil {
				c.writeErr("subscribe failed")
			}
		case "unsubscribe":
			c.unsubscribe(cmd.TaskID)
		default:
			c.writeErr("unknown action")
		}
	}
}

// wsConn owns one socket and its per-task subscriptions. Writes are
// serialized through writeMu; gorilla permits one concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	relay   *relay.Relay
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*relay.Subscription

	logger *zap.Logger
}

func (c *wsConn) subscribe(ctx context.Context, taskID string) error {
	c.mu.Lock()
	if _, ok := c.subs[taskID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.relay.Subscribe(ctx, taskID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[taskID] = sub
	c.mu.Unlock()

	go func() {
		for ev := range sub.C() {
			c.writeMu.Lock()
			err := c.conn.WriteJSON(wsEvent{
				Type:     ev.Kind,
				TaskID:   ev.TaskID,
				Sequence: ev.Sequence,
				Payload:  ev.Payload,
			})
			c.writeMu.Unlock()
			if err != nil {
				c.unsubscribe(taskID)
				return
			}
		}
	}()
	return nil
}

func (c *wsConn) unsubscribe(taskID string) {
	c.mu.Lock()
	sub, ok := c.subs[taskID]
	if ok {
		delete(c.subs, taskID)
	}
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*relay.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	_ = c.conn.Close()
}

func (c *wsConn) writeErr(msg string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(map[string]string{"error": msg})
}
