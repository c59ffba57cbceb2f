package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/sashagrib/minifarm/pkg/log"
)

// Server is the development game server: the authoritative side of the
// state, nonce and action protocol the client runtime talks to.
type Server struct {
	server     *http.Server
	repository Repository
	clock      clockwork.Clock
	hub        *Hub
}

type NewServerOptions struct {
	Port       int
	Repository Repository
	Clock      clockwork.Clock
}

func NewServer(opts NewServerOptions) *Server {
	c := opts.Clock
	if c == nil {
		c = clockwork.NewRealClock()
	}

	s := &Server{
		repository: opts.Repository,
		clock:      c,
		hub:        NewHub(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory", s.handleInventory).Methods(http.MethodGet)
	router.HandleFunc("/api/action/buy_field", s.handleBuyField).Methods(http.MethodPost)
	router.HandleFunc("/api/action/shop/buy", s.handleShopBuy).Methods(http.MethodPost)
	router.HandleFunc("/api/action/plant", s.handlePlant).Methods(http.MethodPost)
	router.HandleFunc("/api/action/harvest", s.handleHarvest).Methods(http.MethodPost)
	router.HandleFunc("/api/action/sell", s.handleSell).Methods(http.MethodPost)
	router.HandleFunc("/api/push", s.handlePush).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the server and blocks until it is closed.
func (s *Server) Start() {
	log.Info("Game server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			log.Info("Game server closed")
			return
		}
		log.Error("Game server error: %v", err)
	}
}

// Stop stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
