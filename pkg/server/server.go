// Package server exposes the acquisition command and query surface over
// HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ericogr/k2000-logger/pkg/acquisition"
	"github.com/ericogr/k2000-logger/pkg/instrument"
	"github.com/ericogr/k2000-logger/pkg/sample"
	"github.com/ericogr/k2000-logger/pkg/store"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller is the part of acquisition.Controller the API drives.
type Controller interface {
	Start(acquisition.RunConfig) error
	Stop() error
	Status() acquisition.Status
	Query(sinks []string) ([][]sample.Point, error)
}

type Server struct {
	ctrl Controller
	hub  *Hub
}

func New(ctrl Controller, hub *Hub) *Server {
	return &Server{ctrl: ctrl, hub: hub}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/start", s.handleStart)
	r.Post("/api/stop", s.handleStop)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/query", s.handleQuery)
	r.Get("/ws/status", s.handleStatusWS)
	return r
}

type StartRequest struct {
	Sinks           []string   `json:"sinks"`
	Weights         []*float64 `json:"weights"`
	IntervalSeconds float64    `json:"interval_seconds"`
}

type QueryResponse struct {
	Sinks  []string         `json:"sinks"`
	Series [][]sample.Point `json:"series"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (r StartRequest) runConfig() (acquisition.RunConfig, error) {
	var cfg acquisition.RunConfig
	if len(r.Sinks) != instrument.Channels {
		return cfg, fmt.Errorf("expected %d sinks, got %d", instrument.Channels, len(r.Sinks))
	}
	if len(r.Weights) > instrument.Channels {
		return cfg, fmt.Errorf("expected at most %d weights, got %d", instrument.Channels, len(r.Weights))
	}
	for i := range cfg.Channels {
		cfg.Channels[i].Sink = r.Sinks[i]
		if i < len(r.Weights) {
			cfg.Channels[i].Weight = r.Weights[i]
		}
	}
	// checked before the conversion, which overflows for huge values
	if r.IntervalSeconds > acquisition.MaxInterval.Seconds() {
		return cfg, fmt.Errorf("%w: %gs > %s", acquisition.ErrIntervalTooLong, r.IntervalSeconds, acquisition.MaxInterval)
	}
	cfg.Interval = time.Duration(r.IntervalSeconds * float64(time.Second))
	return cfg, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	cfg, err := req.runConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.ctrl.Start(cfg); err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sinks := r.URL.Query()["sink"]
	if len(sinks) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one sink parameter is required")
		return
	}
	series, err := s.ctrl.Query(sinks)
	if err != nil {
		status, code := classify(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Sinks: sinks, Series: series})
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates := s.hub.subscribe()
	defer s.hub.unsubscribe(updates)

	if err := writeWS(conn, s.ctrl.Status()); err != nil {
		return
	}

	// the read side only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("server: websocket error: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case st := <-updates:
			if err := writeWS(conn, st); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.hub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writeWS(conn *websocket.Conn, st acquisition.Status) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(st)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, acquisition.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, acquisition.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, acquisition.ErrIntervalTooShort), errors.Is(err, acquisition.ErrIntervalTooLong),
		errors.Is(err, acquisition.ErrDuplicateSink), errors.Is(err, store.ErrInvalidSink),
		errors.Is(err, store.ErrLayoutMismatch):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, instrument.ErrNoDeviceFound):
		return http.StatusServiceUnavailable, "no_device_found"
	case errors.Is(err, instrument.ErrInitializationFailed):
		return http.StatusServiceUnavailable, "initialization_failed"
	case errors.Is(err, instrument.ErrLinkFatal):
		return http.StatusServiceUnavailable, "link_fatal"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("server: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}
