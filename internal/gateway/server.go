// Package gateway exposes the coordinator over HTTP: the websocket endpoint
// clients connect to and a small read-only JSON surface for operators.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"collabtext/coordinator/internal/auth"
	"collabtext/coordinator/internal/bus"
	"collabtext/coordinator/internal/coordinator"
	"collabtext/coordinator/internal/discovery"
)

const bindTimeout = 5 * time.Second

// Options tunes the websocket transport.
type Options struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	SendQueue       int
	MaxMessageSize  int64
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultOptions mirrors the configuration defaults.
var DefaultOptions = Options{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	SendQueue:       256,
	MaxMessageSize:  64 * 1024,
	IdleTimeout:     60 * time.Second,
	WriteTimeout:    10 * time.Second,
}

// Documents exposes the merged document of a room, when the merger keeps one.
type Documents interface {
	Content(ctx context.Context, roomID string) (text string, seq uint64, ok bool)
	Save(ctx context.Context, roomID string) ([]byte, bool)
}

// Peers lists coordinators found on the local network.
type Peers interface {
	Peers() []discovery.Peer
}

// Config wires the server. Health, Documents and Peers are optional.
type Config struct {
	Coordinator   *coordinator.Coordinator
	Authenticator auth.Authenticator
	Health        *bus.Health
	Documents     Documents
	Peers         Peers
	Log           *zap.Logger
	Options       Options
}

// Server routes HTTP requests.
type Server struct {
	coord    *coordinator.Coordinator
	authn    auth.Authenticator
	health   *bus.Health
	docs     Documents
	peers    Peers
	log      *zap.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	opts     Options
}

// NewServer builds the router. Zero options fall back to DefaultOptions.
func NewServer(cfg Config) *Server {
	opts := cfg.Options
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultOptions.SendQueue
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultOptions.MaxMessageSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions.IdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions.WriteTimeout
	}

	s := &Server{
		coord:  cfg.Coordinator,
		authn:  cfg.Authenticator,
		health: cfg.Health,
		docs:   cfg.Documents,
		peers:  cfg.Peers,
		log:    cfg.Log.Named("gateway"),
		opts:   opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWs)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.getHealth)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(s.getRoom)
	r.Methods(http.MethodGet).Path("/rooms/{room}/document").HandlerFunc(s.getDocument)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Debug("handled",
			zap.String("method", r.Method),
			zap.Stringer("url", r.URL),
			zap.Duration("duration", m.Duration),
			zap.Int("status", m.Code),
		)
	})
}

// checkOrigin accepts every origin unless an allow list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.opts.AllowedOrigins, origin)
}

// serveWs authenticates the request, upgrades it and binds a session. The
// token comes from the token query parameter or a bearer header.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.TokenFromHeader(r.Header.Get("Authorization"))
	}
	id, err := s.authn.Authenticate(r.Context(), token)
	if err != nil {
		s.log.Info("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, s.opts, s.log.With(zap.String("user", id.UserID)))
	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()
	session, err := s.coord.Bind(ctx, client, id)
	if err != nil {
		s.log.Error("bind session", zap.String("user", id.UserID), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "coordinator unavailable"))
		conn.Close()
		return
	}
	client.session = session
	client.log = client.log.With(zap.String("conn", session.ID()))

	go client.writePump()
	go client.readPump()
}

type healthResponse struct {
	Status     string            `json:"status"`
	Bus        *bus.HealthStatus `json:"bus,omitempty"`
	Discovered []discovery.Peer  `json:"discovered,omitempty"`
	coordinator.Stats
}

// getHealth always answers 200 so a degraded bus does not take the process
// out of rotation; status reports the degradation.
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Stats: s.coord.Stats()}
	if s.health != nil {
		st := s.health.Status()
		resp.Bus = &st
		if st.Degraded {
			resp.Status = "degraded"
		}
	}
	if s.peers != nil {
		resp.Discovered = s.peers.Peers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats().Rooms)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	view, ok := s.coord.Room(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type documentResponse struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Seq     uint64 `json:"seq"`
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if s.docs == nil {
		writeError(w, http.StatusNotFound, "documents are not kept by this coordinator")
		return
	}
	if r.URL.Query().Get("format") == "automerge" {
		raw, ok := s.docs.Save(r.Context(), roomID)
		if !ok {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(raw); err != nil {
			s.log.Debug("write document", zap.String("room", roomID), zap.Error(err))
		}
		return
	}
	text, seq, ok := s.docs.Content(r.Context(), roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{RoomID: roomID, Content: text, Seq: seq})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
