// Package server exposes attempts to a presentation layer: HTTP control plus a WebSocket
// stream of score updates and the terminal outcome.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/straightface/internal/challenge"
	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/andresmejia3/straightface/internal/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Message is one WebSocket event.
type Message struct {
	Type    string             `json:"type"` // update, outcome, error or stopped
	Update  *scoring.Update    `json:"update,omitempty"`
	Outcome *challenge.Outcome `json:"outcome,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type createRequest struct {
	Variant string `json:"variant"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Server routes attempt control and event streams.
type Server struct {
	manager  *Manager
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds the router for m.
func New(m *Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		manager: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// The presentation layer is served from elsewhere during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	}).Methods("GET")
	r.HandleFunc("/attempts", s.createAttempt).Methods("POST")
	r.HandleFunc("/attempts/{id}", s.stopAttempt).Methods("DELETE")
	r.HandleFunc("/attempts/{id}/events", s.attemptEvents).Methods("GET")
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) createAttempt(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	kind, err := rule.ParseKind(req.Variant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a, err := s.manager.Create(kind)
	switch {
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.logger.Error("failed to create attempt", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResponse{ID: a.ID})
}

func (s *Server) stopAttempt(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) attemptEvents(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Basic timeouts + pong handling (keeps connections healthy)
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// The client never sends data; reading only notices it going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	lastSeq := -1
	for {
		snap := a.snapshot()
		if snap.seq != lastSeq && snap.seq > 0 {
			u := snap.update
			if err := writeMessage(conn, Message{Type: "update", Update: &u}); err != nil {
				return
			}
		}
		lastSeq = snap.seq

		if snap.done {
			final := Message{Type: "stopped"}
			switch {
			case snap.outcome != nil:
				final = Message{Type: "outcome", Outcome: snap.outcome}
			case snap.err != nil:
				final = Message{Type: "error", Error: snap.err.Error()}
			}
			if err := writeMessage(conn, final); err != nil {
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, final.Type),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-snap.changed:
		case <-gone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeMessage(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorResult{Error: err.Error()})
}
