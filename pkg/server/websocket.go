package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// chatFrame is a server-to-client notice that is not a durable message.
type chatFrame struct {
	Type        string `json:"type"`
	Error       string `json:"error,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.pathConversation(w, r)
	if !ok {
		return
	}
	p := principal(r)
	log := s.logger.With("conversationID", conv.ID, "userID", p.UserID)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// The request context ends when the handler returns; turns in flight
	// should finish writing their messages even if the client goes away.
	ctx := context.WithoutCancel(r.Context())

	done := make(chan struct{})
	updates, unsubscribe := s.store.Subscribe()
	defer unsubscribe()
	notices := make(chan chatFrame, 8)

	// Send initial conversation state.
	var lastID int64
	if err := s.syncMessages(ctx, ws, conv.ID, &lastID); err != nil {
		log.Error("Failed initial message sync", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: the only writer on ws.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case convID := <-updates:
				if convID == conv.ID {
					if err := s.syncMessages(ctx, ws, conv.ID, &lastID); err != nil {
						log.Error("Failed message sync", "error", err)
						return
					}
				}
			case n := <-notices:
				if err := ws.WriteJSON(n); err != nil {
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: each message runs one turn.
	for {
		var msg struct {
			Content  string `json:"content"`
			UseTools bool   `json:"use_tools"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", "error", err)
			}
			break
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}

		t, err := s.runTurn(ctx, p, conv, msg.Content, msg.UseTools)
		var notice *chatFrame
		switch {
		case err != nil:
			log.Error("Chat turn failed", "error", err)
			notice = &chatFrame{Type: "error", Error: err.Error()}
		case !t.Result.Success:
			notice = &chatFrame{Type: "error", Error: t.Result.Response, ExecutionID: t.Result.ExecutionID}
		}
		if notice != nil {
			select {
			case notices <- *notice:
			default:
			}
		}
	}

	close(done)
	wg.Wait()
}

// syncMessages writes every message after *lastID and advances it.
func (s *Server) syncMessages(ctx context.Context, ws *websocket.Conn, conversationID int64, lastID *int64) error {
	msgs, err := s.store.GetMessagesAfter(ctx, conversationID, *lastID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := ws.WriteJSON(m); err != nil {
			return err
		}
		*lastID = m.ID
	}
	return nil
}
