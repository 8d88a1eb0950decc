package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/state/sqlite"
	"github.com/nextlevelbuilder/warden/internal/worker"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

type fakeNotifier struct{}

func (fakeNotifier) SendToChat(ctx context.Context, chatID, text string) error { return nil }

func (fakeNotifier) AskUser(ctx context.Context, chatID, requestID string, questions []wire.Question) (string, string, error) {
	return "test-channel", "msg-1", nil
}

type harness struct {
	srv   *Server
	addr  string
	store state.Store
	bus   *bus.MessageBus
	root  *ipc.Root
	apr   *approvals.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "warden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	msgBus := bus.New()
	root := ipc.NewRoot(filepath.Join(dir, "ipc"))
	apr := approvals.New(root, store, msgBus, fakeNotifier{}, time.Hour)

	srv := New(config.Default(), store, msgBus, apr)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()

	h := &harness{srv: srv, addr: addr, store: store, bus: msgBus, root: root, apr: apr}
	h.waitHealthy(t)
	return h
}

func (h *harness) url(path string) string { return "http://" + h.addr + path }

func (h *harness) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.url("/health"))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gateway never became healthy on %s", h.addr)
}

func (h *harness) getJSON(t *testing.T, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(h.url(path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.url("/health"))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPendingListsApprovalsAndQuestions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if err := h.apr.Create(ctx, &approvals.PendingApproval{
		RequestID:       "deadbeef-0001",
		ToolName:        "shell",
		SourceWorkspace: "acme",
		ChatID:          "500",
		HandlerType:     "exec",
		Summary:         "rm -rf /tmp/build",
	}); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if err := h.apr.CreateQuestion(ctx, &approvals.PendingQuestion{
		RequestID:       "cafe-0002",
		SourceWorkspace: "acme",
		ChatID:          "500",
		Questions:       []wire.Question{{Text: "Which color?", Options: []string{"red", "blue"}}},
	}); err != nil {
		t.Fatalf("create question: %v", err)
	}

	var got struct {
		Approvals []*approvals.PendingApproval `json:"approvals"`
		Questions []*approvals.PendingQuestion `json:"questions"`
	}
	h.getJSON(t, "/v1/pending", &got)

	if len(got.Approvals) != 1 || got.Approvals[0].ToolName != "shell" {
		t.Errorf("approvals = %+v", got.Approvals)
	}
	if len(got.Questions) != 1 || got.Questions[0].Questions[0].Text != "Which color?" {
		t.Errorf("questions = %+v", got.Questions)
	}
}

func TestPendingEmptyIsArrays(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.url("/v1/pending"))
	if err != nil {
		t.Fatalf("GET /v1/pending: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "null") {
		t.Errorf("empty lists should marshal as arrays, got %s", body)
	}
}

func TestReadOnlyMethods(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/v1/pending", "/v1/workspaces"} {
		resp, err := http.Post(h.url(path), "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: status %d, want 405", path, resp.StatusCode)
		}
	}
}

func TestWorkspacesEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, folder := range []string{"acme", "beta"} {
		ws := &state.Workspace{
			ID:        fmt.Sprintf("%d", 100+i),
			Name:      folder,
			Folder:    folder,
			IsAdmin:   i == 0,
			CreatedAt: state.NowUTC(),
			UpdatedAt: state.NowUTC(),
		}
		if err := h.store.UpsertWorkspace(ctx, ws); err != nil {
			t.Fatalf("seed workspace: %v", err)
		}
	}

	var got struct {
		Workspaces []*state.Workspace `json:"workspaces"`
	}
	h.getJSON(t, "/v1/workspaces", &got)

	if len(got.Workspaces) != 2 {
		t.Fatalf("got %d workspaces, want 2", len(got.Workspaces))
	}
	folders := map[string]bool{}
	for _, ws := range got.Workspaces {
		folders[ws.Folder] = true
	}
	if !folders["acme"] || !folders["beta"] {
		t.Errorf("folders = %v", folders)
	}
}

func TestWorkspacesIncludesLiveSessions(t *testing.T) {
	h := newHarness(t)

	h.srv.SetSessionSource(func() []worker.SessionInfo {
		return []worker.SessionInfo{
			{Workspace: "acme", ChatID: "500", Busy: true},
		}
	})

	var got struct {
		Workspaces []*state.Workspace   `json:"workspaces"`
		Sessions   []worker.SessionInfo `json:"sessions"`
	}
	h.getJSON(t, "/v1/workspaces", &got)

	if len(got.Sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(got.Sessions))
	}
	if got.Sessions[0].Workspace != "acme" || !got.Sessions[0].Busy {
		t.Errorf("session = %+v", got.Sessions[0])
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription registers just after the handshake; wait until
	// the health counter sees the client before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.url("/health"))
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(body), `"event_clients":1`) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.bus.Broadcast(bus.Event{Name: "worker.spawned", Payload: map[string]string{
		"workspace": "acme",
	}})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var frame struct {
		Name    string            `json:"name"`
		Payload map[string]string `json:"payload"`
		Time    string            `json:"time"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Name != "worker.spawned" {
		t.Errorf("frame name = %q", frame.Name)
	}
	if frame.Payload["workspace"] != "acme" {
		t.Errorf("frame payload = %v", frame.Payload)
	}
	if frame.Time == "" {
		t.Errorf("frame missing timestamp")
	}
}

func TestEventsClientDisconnectUnsubscribes(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.url("/health"))
		if err != nil {
			t.Fatalf("GET /health: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(body), `"event_clients":0`) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never unregistered after disconnect")
}
