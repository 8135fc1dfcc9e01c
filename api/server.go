package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sharedcatalog/bridge"
	"sharedcatalog/catalog"
	"sharedcatalog/logger"
	"sharedcatalog/metrics"
	"sharedcatalog/models"
)

// TokenVerifier abstracts OIDC token verification.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) error
}

// ReadyCheck reports whether backing services are reachable.
type ReadyCheck func(ctx context.Context) error

const maxBodyBytes = 4 << 20

type Server struct {
	mux       *http.ServeMux
	hub       *Hub
	validator *ItemValidator
	bridge    *bridge.Bridge
	verifier  TokenVerifier
	ready     ReadyCheck
}

func NewServer(b *bridge.Bridge, hub *Hub, v TokenVerifier, validator *ItemValidator, ready ReadyCheck) *Server {
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{mux: http.NewServeMux(), hub: hub, validator: validator, bridge: b, verifier: v, ready: ready}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/catalog/items", s.withAuth(s.handleItem))
	s.mux.HandleFunc("/catalog/batch", s.withAuth(s.handleBatch))
	s.mux.HandleFunc("/catalog/acks", s.withAuth(s.handleAck))
	s.mux.HandleFunc("/catalog/share", s.withAuth(s.handleShare))
	s.mux.HandleFunc("/catalog/expected", s.withAuth(s.handleExpected))
	s.mux.HandleFunc("/catalog/report", s.withAuth(s.handleReport))
	s.mux.HandleFunc("/catalog/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/catalog/start", s.withAuth(s.handleStart))
	s.mux.HandleFunc("/healthz", handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.HandleFunc("/metrics", metrics.Handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) catalog() *catalog.Catalog { return s.bridge.Catalog }

// withAuth passes the bearer token, possibly empty, to the verifier.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var token string
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if err := s.verifier.Verify(r.Context(), token); err != nil {
			logger.Error("token verification failed", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleWS streams ack events; inbound frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.verifier.Verify(r.Context(), r.URL.Query().Get("token")) != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", err)
		return
	}
	s.hub.Add(conn)
	go func() {
		defer s.hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotStarted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// readItem reads, schema-checks and decodes a single item body.
func (s *Server) readItem(w http.ResponseWriter, r *http.Request) (models.Item, bool) {
	var item models.Item
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return item, false
	}
	if s.validator != nil {
		if err := s.validator.Validate(body); err != nil {
			logger.Error("item schema validation failed", err)
			http.Error(w, "invalid item: "+err.Error(), http.StatusBadRequest)
			return item, false
		}
	}
	if err := json.Unmarshal(body, &item); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return item, false
	}
	return item, true
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	item, ok := s.readItem(w, r)
	if !ok {
		return
	}
	if err := s.bridge.Handle(r.Context(), item); err != nil {
		if errors.Is(err, bridge.ErrForward) {
			logger.Error("item accepted but not forwarded", err, logger.FieldKV("subject", item.Subject.String()))
			writeJSON(w, http.StatusAccepted, map[string]string{"subject": item.Subject.String(), "status": "accepted-not-forwarded"})
			return
		}
		logger.Error("accept item failed", err, logger.FieldKV("subject", item.Subject.String()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"subject": item.Subject.String(), "status": "accepted"})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var raw []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	items := make([]models.Item, 0, len(raw))
	for _, doc := range raw {
		if s.validator != nil {
			if err := s.validator.Validate(doc); err != nil {
				http.Error(w, "invalid item: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		var item models.Item
		if err := json.Unmarshal(doc, &item); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := item.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items = append(items, item)
	}
	if err := s.catalog().AcceptForeignCatalog(r.Context(), items); err != nil {
		logger.Error("accept foreign catalog failed", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": len(items), "status": "accepted"})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	item, ok := s.readItem(w, r)
	if !ok {
		return
	}
	if err := s.bridge.Ack(r.Context(), item); err != nil {
		logger.Error("acknowledge failed", err, logger.FieldKV("subject", item.Subject.String()))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.catalog().ItemsToShare(r.Context())
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleExpected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.catalog().ExpectedItems(r.Context())
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := s.catalog().AckReport(r.Context())
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.catalog().Acknowledged(r.Context())
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": ok})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.catalog().Start(r.Context()); err != nil {
		logger.Error("catalog start failed", err)
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// Health endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readiness endpoint
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
