package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sashagrib/minifarm/pkg/farm"
	"github.com/sashagrib/minifarm/pkg/log"
	"github.com/sashagrib/minifarm/pkg/push"
	"nhooyr.io/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub tracks push channel subscribers per player and broadcasts snapshot
// frames to them after state changes.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]int64
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]int64),
	}
}

// HandleSubscribe upgrades the request and holds the connection open until
// the peer goes away.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error("Failed to accept push subscriber: %v", err)
		return
	}

	h.mu.Lock()
	h.conns[conn] = userID
	h.mu.Unlock()
	log.Info("Push subscriber connected for player %d", userID)

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		log.Info("Push subscriber disconnected for player %d", userID)
	}()

	// Subscribers never send; reading serves only to detect disconnect.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast pushes a snapshot frame to every subscriber of the player.
func (h *Hub) Broadcast(ctx context.Context, userID int64, snapshot *farm.Snapshot) {
	frame, err := push.EncodeSnapshot(snapshot)
	if err != nil {
		log.Error("Failed to encode snapshot frame: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(h.conns))
	for conn, uid := range h.conns {
		if uid == userID {
			targets = append(targets, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		if err := conn.Write(writeCtx, websocket.MessageBinary, frame); err != nil {
			log.Warn("Failed to push snapshot to subscriber: %v", err)
		}
		cancel()
	}
}
