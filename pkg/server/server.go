// Package server exposes the pool's health, statistics, and event stream
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sqlbridge/connpool/pkg/config"
	"github.com/sqlbridge/connpool/pkg/pool"
)

// Server serves the monitoring API for a single pool.
type Server struct {
	config     config.ServerConfig
	pool       *pool.Pool
	router     *mux.Router
	httpServer *http.Server
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a monitoring server for the given pool.
func NewServer(cfg config.ServerConfig, p *pool.Pool) *Server {
	s := &Server{
		config: cfg,
		pool:   p,
		router: mux.NewRouter(),
		logger: log.With().Str("component", "http-server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

// GetRouter returns the server's router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
}

// Start begins serving. It returns immediately; listen errors are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Str("address", addr).Msg("Starting monitoring server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()

	return nil
}

// Stop drains websocket streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping monitoring server")
	close(s.shutdown)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("Monitoring server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// handleHealth reports readiness: 200 while the pool is open, 503 after
// close.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Status()
	code := http.StatusOK
	healthy := !st.Closed
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"healthy": healthy,
		"status":  st,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Statistics())
}

// handleEvents upgrades to a websocket and streams pool events until the
// client disconnects or the server stops. A slow client loses events rather
// than stalling the pool.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	events := make(chan pool.Event, 64)
	subID := s.pool.Subscribe(func(ev pool.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		defer s.pool.Unsubscribe(subID)

		// Reader goroutine notices the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev := <-events:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-closed:
				return
			case <-s.shutdown:
				deadline := time.Now().Add(time.Second)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					deadline)
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
