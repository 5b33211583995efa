package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"
	"github.com/rs/zerolog"

	"spider-admin/internal/spiderd/events"
	"spider-admin/internal/spiderd/hub"
	"spider-admin/internal/spiderd/store"
)

var upgrader = websocket.HertzUpgrader{}

// LogStreamHandler relays hub events for one execution over a websocket.
type LogStreamHandler struct {
	Store store.Store
	Hub   *hub.Hub
	Log   zerolog.Logger
}

func NewLogStreamHandler(st store.Store, h *hub.Hub, logger zerolog.Logger) *LogStreamHandler {
	return &LogStreamHandler{Store: st, Hub: h, Log: logger.With().Str("component", "ws").Logger()}
}

// StreamExecution upgrades the connection, sends an initial snapshot if
// the record exists, then forwards every hub event until the execution
// closes or the client disconnects. The client may send "ping" to keep
// the connection alive.
func (h *LogStreamHandler) StreamExecution(ctx context.Context, c *app.RequestContext) {
	executionID, ok := parseIDParam(c)
	if !ok {
		return
	}
	err := upgrader.Upgrade(c, func(conn *websocket.Conn) {
		// writeMu serializes the forwarder goroutine and pong replies.
		var writeMu sync.Mutex
		write := func(v interface{}) error {
			payload, err := json.Marshal(v)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, payload)
		}

		// Subscribe before reading the snapshot so no update published in
		// between is lost.
		stream, cancel := h.Hub.Subscribe(executionID)
		defer cancel()

		if entry, err := h.Store.GetExecutionLog(executionID); err == nil {
			if err := write(events.LogEvent{Type: events.TypeInitial, Data: events.Snapshot(entry)}); err != nil {
				return
			}
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range stream {
				if err := write(ev); err != nil {
					return
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if string(msg) == "ping" {
				if err := write(events.LogEvent{Type: events.TypePong}); err != nil {
					break
				}
			}
		}
		cancel()
		<-done
	})
	if err != nil {
		h.Log.Warn().Uint("execution_id", executionID).Err(err).Msg("websocket upgrade failed")
	}
}
