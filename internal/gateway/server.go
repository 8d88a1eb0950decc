// Package gateway serves the read-only ops surface: health, pending
// approvals and questions, the workspace registry, and a live event
// stream over websocket. Decisions and answers never come through
// here; those stay on the chat channels.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/worker"
)

const (
	// clientBuffer absorbs event bursts per websocket client. Broadcast
	// handlers run inline on the publisher, so a full buffer drops the
	// event for that client instead of blocking the host.
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Server is the ops gateway.
type Server struct {
	cfg      *config.Config
	store    state.Store
	bus      *bus.MessageBus
	pending  *approvals.Manager
	sessions func() []worker.SessionInfo
	started  time.Time

	mu      sync.RWMutex
	clients map[string]time.Time

	httpServer *http.Server
	mux        *http.ServeMux
}

func New(cfg *config.Config, store state.Store, msgBus *bus.MessageBus, apr *approvals.Manager) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		bus:     msgBus,
		pending: apr,
		started: time.Now(),
		clients: make(map[string]time.Time),
	}
}

// SetSessionSource wires a live worker snapshot into /v1/workspaces.
// Optional; without it the endpoint reports stored workspaces only.
func (s *Server) SetSessionSource(src func() []worker.SessionInfo) {
	s.sessions = src
}

// BuildMux creates and caches the route table. Call before Start when
// the same routes should serve an additional listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/pending", s.handlePending)
	mux.HandleFunc("/v1/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/v1/events", s.handleEvents)

	s.mux = mux
	return mux
}

// Start listens on the configured bind address until the context ends.
// When a tailscale auth key is configured the same mux also serves on
// a tsnet listener.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Gateway.Bind,
		Handler: mux,
	}

	if s.cfg.Gateway.Tailscale.AuthKey != "" {
		stop, err := s.startTailscale(ctx, mux)
		if err != nil {
			slog.Error("gateway: tailscale listener failed", "error", err)
		} else {
			defer stop()
		}
	}

	slog.Info("gateway: listening", "addr", s.cfg.Gateway.Bind)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime":%q,"event_clients":%d}`+"\n",
		time.Since(s.started).Round(time.Second), clients)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	appr, questions, err := s.pending.ListPending()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if appr == nil {
		appr = []*approvals.PendingApproval{}
	}
	if questions == nil {
		questions = []*approvals.PendingQuestion{}
	}
	writeJSON(w, map[string]interface{}{
		"approvals": appr,
		"questions": questions,
	})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	wss, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if wss == nil {
		wss = []*state.Workspace{}
	}
	resp := map[string]interface{}{"workspaces": wss}
	if s.sessions != nil {
		live := s.sessions()
		if live == nil {
			live = []worker.SessionInfo{}
		}
		resp["sessions"] = live
	}
	writeJSON(w, resp)
}

// handleEvents upgrades to websocket and forwards every bus event as a
// JSON frame until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // bind is localhost or tailnet, no browser origins
	})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id := "ops-" + uuid.NewString()[:8]
	events := make(chan bus.Event, clientBuffer)
	s.registerClient(id, events)
	defer s.unregisterClient(id)

	// The stream is one-way; CloseRead turns a client disconnect into
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeFrame(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) registerClient(id string, events chan bus.Event) {
	s.mu.Lock()
	s.clients[id] = time.Now()
	s.mu.Unlock()

	s.bus.Subscribe(id, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			slog.Debug("gateway: client lagging, event dropped", "id", id, "event", ev.Name)
		}
	})
	slog.Info("gateway: event client connected", "id", id)
}

func (s *Server) unregisterClient(id string) {
	s.bus.Unsubscribe(id)
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	slog.Info("gateway: event client disconnected", "id", id)
}

// eventFrame is the wire shape of one /v1/events message.
type eventFrame struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
	Time    string      `json:"time"`
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	data, err := json.Marshal(eventFrame{Name: ev.Name, Payload: ev.Payload, Time: state.NowUTC()})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: response encode failed", "error", err)
	}
}

// StartTestServer binds a random localhost port and returns the
// address plus a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
