package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/teamtasks/internal/policy"
	"github.com/ent0n29/teamtasks/internal/protocol"
	"github.com/ent0n29/teamtasks/internal/tasks"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 120 * time.Second
)

// handleActivityWS streams committed activity. task_id narrows the stream to
// one task the actor may view; the unfiltered stream is admin only.
func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if err := s.authorizeStream(r.Context(), actor, taskID); err != nil {
		respondTaskError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 16)
	switches := make(chan string, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Unblocks the read loop when the writer gives up first.
		defer conn.Close()
		defer cancel()
		s.streamWriter(ctx, conn, taskID, switches, outbound)
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.enqueue(ctx, outbound, protocol.NewErrorEvent("invalid_client_message", err.Error()))
			continue
		}
		switch msg := parsed.(type) {
		case protocol.Subscribe:
			s.observeStream("inbound", msg.Type)
			if err := s.authorizeStream(ctx, actor, msg.TaskID); err != nil {
				s.enqueue(ctx, outbound, protocol.NewErrorEvent(string(tasks.KindOf(err)), err.Error()))
				continue
			}
			select {
			case <-ctx.Done():
				break readLoop
			case switches <- msg.TaskID:
			}
		case protocol.Ping:
			s.observeStream("inbound", msg.Type)
			s.enqueue(ctx, outbound, protocol.Pong{Type: protocol.TypePong, TSMs: msg.TSMs})
		}
	}
	cancel()
	<-writerDone
}

// streamWriter owns the feed subscription and is the only writer on conn.
func (s *Server) streamWriter(ctx context.Context, conn *websocket.Conn, taskID string, switches <-chan string, outbound <-chan any) {
	feed, unsubscribe := s.manager.Subscribe(taskID)
	defer func() { unsubscribe() }()

	if !s.writeStream(conn, protocol.NewSystemEvent("subscribed", taskID, "")) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case next := <-switches:
			unsubscribe()
			taskID = next
			feed, unsubscribe = s.manager.Subscribe(taskID)
			if !s.writeStream(conn, protocol.NewSystemEvent("subscribed", taskID, "")) {
				return
			}
		case msg := <-outbound:
			if !s.writeStream(conn, msg) {
				return
			}
		case a, ok := <-feed:
			if !ok {
				return
			}
			if !s.writeStream(conn, protocol.NewActivityEvent(a)) {
				return
			}
		}
	}
}

func (s *Server) authorizeStream(ctx context.Context, actor tasks.Actor, taskID string) error {
	if taskID == "" {
		if actor.Role != policy.RoleAdmin {
			return &tasks.Error{Kind: tasks.KindForbidden, Op: "subscribe", Message: "task_id is required for non-admin actors"}
		}
		return nil
	}
	_, err := s.manager.GetTask(ctx, actor, taskID)
	return err
}

func (s *Server) writeStream(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Debug("activity stream write failed", "error", err)
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.observeStream("outbound", t)
	}
	return true
}

// enqueue drops the message if the writer is saturated so reads never block.
func (s *Server) enqueue(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	default:
		if t, ok := messageTypeOf(msg); ok {
			s.observeStream("dropped", t)
		}
	}
}

func (s *Server) observeStream(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.ObserveStreamMessage(direction, string(t))
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ActivityEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.Subscribe:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	default:
		return "", false
	}
}
