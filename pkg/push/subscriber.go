package push

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sashagrib/minifarm/pkg/log"
	"github.com/sashagrib/minifarm/pkg/state"
	"nhooyr.io/websocket"
)

const maxReconnectInterval = 30 * time.Second

// Subscriber keeps a websocket session to the server's push endpoint and
// merges every pushed snapshot into the Store. Pushed snapshots go through
// the same Replace path as action responses, so partial payloads preserve
// the known plots collection.
type Subscriber struct {
	url   string
	store *state.Store
}

func NewSubscriber(url string, store *state.Store) *Subscriber {
	return &Subscriber{
		url:   url,
		store: store,
	}
}

// Run maintains the connection with exponential-backoff reconnects until
// the context is canceled.
func (s *Subscriber) Run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			log.Warn("Failed to connect to push endpoint: %v", err)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}

		log.Info("Connected to push endpoint %s", s.url)
		backoffCfg.Reset()
		s.readLoop(ctx, conn)
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Push connection closed: %v", err)
			}
			return
		}

		snapshot, err := DecodeSnapshot(data)
		if err != nil {
			log.Error("Failed to decode pushed snapshot: %v", err)
			continue
		}

		log.Trace("Merging pushed snapshot")
		s.store.Replace(snapshot)
	}
}
