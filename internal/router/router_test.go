package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/state/sqlite"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

type fakeLane struct {
	mu          sync.Mutex
	enqueued    []queue.Payload
	folders     []string
	interrupted []string
	busy        map[string]bool
}

func (l *fakeLane) Enqueue(_ context.Context, ws *state.Workspace, p queue.Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enqueued = append(l.enqueued, p)
	l.folders = append(l.folders, ws.Folder)
}

func (l *fakeLane) Interrupt(_ context.Context, folder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupted = append(l.interrupted, folder)
}

func (l *fakeLane) IsActive(folder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy[folder]
}

func (l *fakeLane) payloads() []queue.Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]queue.Payload(nil), l.enqueued...)
}

func (l *fakeLane) interrupts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.interrupted...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) SendToChat(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+": "+text)
	return nil
}

func (f *fakeNotifier) AskUser(_ context.Context, _, _ string, _ []wire.Question) (string, string, error) {
	return "test-channel", "msg-1", nil
}

type fakeDeployer struct {
	calls chan string
}

func (d *fakeDeployer) Redeploy(_ context.Context, chatID string) error {
	d.calls <- chatID
	return nil
}

type harness struct {
	router *Router
	lane   *fakeLane
	store  state.Store
	bus    *bus.MessageBus
	apr    *approvals.Manager
	root   *ipc.Root
	cfg    *config.Config
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
	apr := approvals.New(root, store, msgBus, &fakeNotifier{}, time.Hour)
	lane := &fakeLane{busy: make(map[string]bool)}
	// Workers are never live in these tests, so answers take the cold path.
	apr.SetColdPath(lane, func(string) bool { return false })

	cfg := config.Default()
	r := New(cfg, store, msgBus, lane, apr)

	return &harness{router: r, lane: lane, store: store, bus: msgBus, apr: apr, root: root, cfg: cfg}
}

func (h *harness) seedWorkspace(t *testing.T, id, folder string, admin bool) *state.Workspace {
	t.Helper()
	ws := &state.Workspace{
		ID:        id,
		Name:      folder,
		Folder:    folder,
		IsAdmin:   admin,
		CreatedAt: state.NowUTC(),
		UpdatedAt: state.NowUTC(),
	}
	if err := h.store.UpsertWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	return ws
}

// drainOutbound collects everything currently queued on the outbound bus.
func (h *harness) drainOutbound(t *testing.T) []bus.OutboundMessage {
	t.Helper()
	var out []bus.OutboundMessage
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, ok := h.bus.SubscribeOutbound(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func outboundTexts(msgs []bus.OutboundMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.Kind == "" || m.Kind == bus.OutboundText {
			out = append(out, m.Content)
		}
	}
	return out
}

func containsText(msgs []bus.OutboundMessage, substr string) bool {
	for _, text := range outboundTexts(msgs) {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func readDecision(path string, dec *approvals.Decision) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dec)
}

func dm(chat, messageID, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "telegram",
		ChatID:     chat,
		SenderID:   "7",
		SenderName: "Alice",
		Content:    text,
		MessageID:  messageID,
		Timestamp:  state.NowUTC(),
		Metadata:   map[string]string{"chat_type": "private"},
	}
}

func groupMsg(chat, messageID, text string) bus.InboundMessage {
	m := dm(chat, messageID, text)
	m.Metadata["chat_type"] = "group"
	return m
}

func TestFirstContactClaimsAdminWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.router.handleInbound(ctx, dm("12345", "m1", "hello"))

	ws, err := h.store.GetWorkspace(ctx, "12345")
	if err != nil {
		t.Fatalf("workspace not registered: %v", err)
	}
	if !ws.IsAdmin || ws.Folder != "main" {
		t.Errorf("bootstrap workspace = %+v", ws)
	}

	got := h.lane.payloads()
	if len(got) != 1 || got[0].Text != "hello" || got[0].ChatID != "12345" {
		t.Fatalf("enqueued = %+v", got)
	}
	if !containsText(h.drainOutbound(t), "admin workspace") {
		t.Error("registration notice not sent")
	}
}

func TestUnregisteredChatsAreIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Group chats never bootstrap.
	h.router.handleInbound(ctx, groupMsg("-100", "g1", "hello"))
	if list, _ := h.store.ListWorkspaces(ctx); len(list) != 0 {
		t.Fatalf("group message bootstrapped a workspace: %+v", list)
	}

	// Once any workspace exists, unknown chats are dropped.
	h.seedWorkspace(t, "111", "main", true)
	h.router.handleInbound(ctx, dm("222", "m1", "hi"))
	if len(h.lane.payloads()) != 0 {
		t.Errorf("unregistered chat reached the queue")
	}
	if _, err := h.store.GetWorkspace(ctx, "222"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("unexpected second bootstrap: err=%v", err)
	}
}

func TestDuplicateDeliveriesDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)

	msg := dm("500", "m1", "do something")
	h.router.handleInbound(ctx, msg)
	h.router.handleInbound(ctx, msg)
	if n := len(h.lane.payloads()); n != 1 {
		t.Fatalf("enqueued %d times, want 1", n)
	}

	// A fresh router (restart) still suppresses via the message store.
	r2 := New(h.cfg, h.store, h.bus, h.lane, h.apr)
	r2.handleInbound(ctx, msg)
	if n := len(h.lane.payloads()); n != 1 {
		t.Errorf("replay after restart enqueued again: %d", n)
	}
}

func TestGroupRequiresTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "-100", "team", false)

	h.router.handleInbound(ctx, groupMsg("-100", "g1", "good morning all"))
	if len(h.lane.payloads()) != 0 {
		t.Fatal("untriggered group message reached the queue")
	}
	msgs, err := h.store.ListMessages(ctx, "-100", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("group message not recorded as history: %v %d", err, len(msgs))
	}

	h.router.handleInbound(ctx, groupMsg("-100", "g2", "@assistant status please"))
	got := h.lane.payloads()
	if len(got) != 1 {
		t.Fatalf("triggered group message not enqueued: %+v", got)
	}
	if got[0].Text != "Alice: status please" {
		t.Errorf("turn text = %q", got[0].Text)
	}

	// A platform mention activates without the text trigger.
	m := groupMsg("-100", "g3", "can you summarize")
	m.Metadata["mentioned"] = "true"
	h.router.handleInbound(ctx, m)
	if n := len(h.lane.payloads()); n != 2 {
		t.Errorf("mention did not activate: %d", n)
	}
}

func TestTriggerStrippedInDirectChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)

	h.router.handleInbound(ctx, dm("500", "m1", "@assistant: do the thing"))
	got := h.lane.payloads()
	if len(got) != 1 || got[0].Text != "do the thing" {
		t.Fatalf("enqueued = %+v", got)
	}

	// A prefix that only shares a head is not a trigger.
	h.router.handleInbound(ctx, dm("500", "m2", "@assistantship is a word"))
	got = h.lane.payloads()
	if len(got) != 2 || got[1].Text != "@assistantship is a word" {
		t.Fatalf("boundary check failed: %+v", got)
	}
}

func TestResetCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.seedWorkspace(t, "500", "acme", false)
	if err := h.store.SetSession(ctx, ws.Folder, "tok-1"); err != nil {
		t.Fatal(err)
	}

	h.router.handleInbound(ctx, dm("500", "m1", "reset"))

	if got := h.lane.interrupts(); len(got) != 1 || got[0] != "acme" {
		t.Fatalf("interrupts = %v", got)
	}
	if _, err := h.store.GetSession(ctx, "acme"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("session survived reset: %v", err)
	}
	if cur, err := h.store.GetCursor(ctx, "telegram", "500", clearedDirection); err != nil || cur == "" {
		t.Errorf("cleared marker not written: %q %v", cur, err)
	}
	if len(h.lane.payloads()) != 0 {
		t.Error("reset was enqueued as a turn")
	}
	if !containsText(h.drainOutbound(t), "Context reset") {
		t.Error("reset notice not sent")
	}

	msgs, _ := h.store.ListMessages(ctx, "500", 10)
	var notice bool
	for _, m := range msgs {
		if m.Direction == state.DirectionHostNotice && m.Sender == hostSender {
			notice = true
		}
	}
	if !notice {
		t.Error("host notice not persisted as history")
	}
}

func TestEndSessionKeepsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.seedWorkspace(t, "500", "acme", false)
	if err := h.store.SetSession(ctx, ws.Folder, "tok-1"); err != nil {
		t.Fatal(err)
	}

	// Configured phrases match regardless of case and spacing.
	h.router.handleInbound(ctx, dm("500", "m1", "Session  End"))

	if got := h.lane.interrupts(); len(got) != 1 {
		t.Fatalf("interrupts = %v", got)
	}
	if _, err := h.store.GetSession(ctx, "acme"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("session survived end: %v", err)
	}
	if _, err := h.store.GetCursor(ctx, "telegram", "500", clearedDirection); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("end-session archived history: %v", err)
	}
}

func TestRedeployCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	h.seedWorkspace(t, "900", "ops", true)

	dep := &fakeDeployer{calls: make(chan string, 1)}
	h.router.SetDeployer(dep)

	h.router.handleInbound(ctx, dm("500", "m1", "redeploy"))
	if !containsText(h.drainOutbound(t), "limited to admin") {
		t.Error("non-admin redeploy not refused")
	}
	select {
	case got := <-dep.calls:
		t.Fatalf("non-admin redeploy ran: %s", got)
	default:
	}

	h.router.handleInbound(ctx, dm("900", "m2", "redeploy"))
	select {
	case got := <-dep.calls:
		if got != "900" {
			t.Errorf("redeploy chat = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("redeploy never ran")
	}
	if !containsText(h.drainOutbound(t), "Rebuilding") {
		t.Error("redeploy notice not sent")
	}
}

func TestApproveCommandWritesDecision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatal(err)
	}

	p := &approvals.PendingApproval{
		RequestID:       "deadbeef-0000-4000-8000-000000000001",
		ToolName:        "bash",
		SourceWorkspace: "acme",
		ChatID:          "500",
		HandlerType:     approvals.HandlerIPC,
		Summary:         "run shell command: curl example.com",
	}
	if err := h.apr.Create(ctx, p); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	h.router.handleInbound(ctx, dm("500", "m1", "approve deadbeef"))

	decPath := filepath.Join(h.root.Workspace("acme").ApprovalDecisions(), p.RequestID+".json")
	var dec approvals.Decision
	if err := readDecision(decPath, &dec); err != nil {
		t.Fatalf("decision file: %v", err)
	}
	if dec.Decision != "approve" || dec.DecidedBy != "Alice" {
		t.Errorf("decision = %+v", dec)
	}

	// Unknown ids come back as a notice, not a decision.
	h.drainOutbound(t)
	h.router.handleInbound(ctx, dm("500", "m2", "deny zzzz"))
	if !containsText(h.drainOutbound(t), "No pending request") {
		t.Error("unknown short id not reported")
	}
}

func TestPendingCommandListsOpenRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatal(err)
	}

	p := &approvals.PendingApproval{
		RequestID:       "cafe0001-0000-4000-8000-000000000001",
		ToolName:        "slack",
		SourceWorkspace: "acme",
		ChatID:          "500",
		HandlerType:     approvals.HandlerService,
		Summary:         "call service slack: post message",
	}
	if err := h.apr.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	h.drainOutbound(t)

	h.router.handleInbound(ctx, dm("500", "m1", "pending"))
	out := h.drainOutbound(t)
	if !containsText(out, "cafe0001") || !containsText(out, "slack") {
		t.Errorf("pending listing = %v", outboundTexts(out))
	}

	// Another chat's non-admin view stays empty.
	h.seedWorkspace(t, "777", "other", false)
	h.router.handleInbound(ctx, dm("777", "m2", "pending"))
	if !containsText(h.drainOutbound(t), "Nothing pending") {
		t.Error("foreign pending leaked to non-admin chat")
	}
}

func TestQuestionAnswerPaths(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatal(err)
	}

	q := &approvals.PendingQuestion{
		RequestID:       "beef0001-0000-4000-8000-000000000001",
		SourceWorkspace: "acme",
		ChatID:          "500",
		Questions:       []wire.Question{{Text: "Which color?", Options: []string{"red", "blue"}}},
	}
	if err := h.apr.CreateQuestion(ctx, q); err != nil {
		t.Fatal(err)
	}

	// A reply targeting the question bubble answers it without a trigger.
	reply := dm("500", "m1", "blue")
	reply.TargetMessageID = "msg-1"
	h.router.handleInbound(ctx, reply)

	got := h.lane.payloads()
	if len(got) != 1 {
		t.Fatalf("cold answer not enqueued: %+v", got)
	}
	if !strings.Contains(got[0].Text, "Which color?") || !strings.Contains(got[0].Text, "blue") {
		t.Errorf("cold answer text = %q", got[0].Text)
	}
	if _, ok := h.apr.QuestionByRequestID(q.RequestID); ok {
		t.Error("question still pending after answer")
	}
}

func TestOpenQuestionConsumesNextMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatal(err)
	}

	q := &approvals.PendingQuestion{
		RequestID:       "beef0002-0000-4000-8000-000000000001",
		SourceWorkspace: "acme",
		ChatID:          "500",
		Questions:       []wire.Question{{Text: "Proceed?"}},
	}
	if err := h.apr.CreateQuestion(ctx, q); err != nil {
		t.Fatal(err)
	}

	h.router.handleInbound(ctx, dm("500", "m1", "yes, go ahead"))

	got := h.lane.payloads()
	if len(got) != 1 || !strings.Contains(got[0].Text, "yes, go ahead") {
		t.Fatalf("answer not applied: %+v", got)
	}
	if _, ok := h.apr.QuestionByRequestID(q.RequestID); ok {
		t.Error("question still pending")
	}
}

func TestCallbackAnswerByRequestID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)
	if err := h.root.Workspace("acme").EnsureAll(); err != nil {
		t.Fatal(err)
	}

	q := &approvals.PendingQuestion{
		RequestID:       "beef0003-0000-4000-8000-000000000001",
		SourceWorkspace: "acme",
		ChatID:          "500",
		Questions:       []wire.Question{{Text: "Which color?", Options: []string{"red", "blue"}}},
	}
	if err := h.apr.CreateQuestion(ctx, q); err != nil {
		t.Fatal(err)
	}

	answer := dm("500", "m1", "blue")
	answer.Metadata["ask_request_id"] = q.RequestID
	answer.Metadata["ask_question"] = "Which color?"
	h.router.handleInbound(ctx, answer)

	got := h.lane.payloads()
	if len(got) != 1 || !strings.Contains(got[0].Text, `The user answered: "blue"`) {
		t.Fatalf("callback answer = %+v", got)
	}
}

func TestReactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)

	if _, err := h.store.StoreMessage(ctx, &state.Message{
		ID:        "m42",
		ChatID:    "500",
		Sender:    "7",
		Content:   "check the deploy logs",
		Timestamp: state.NowUTC(),
		Direction: state.DirectionInbound,
	}); err != nil {
		t.Fatal(err)
	}

	eyes := bus.InboundMessage{Channel: "telegram", ChatID: "500", SenderID: "7", Reaction: "👀", TargetMessageID: "m42"}
	h.router.handleInbound(ctx, eyes)
	got := h.lane.payloads()
	if len(got) != 1 || !strings.Contains(got[0].Text, "check the deploy logs") {
		t.Fatalf("recheck prompt = %+v", got)
	}

	cross := bus.InboundMessage{Channel: "telegram", ChatID: "500", SenderID: "7", Reaction: "❌", TargetMessageID: "m42"}
	h.router.handleInbound(ctx, cross)
	if got := h.lane.interrupts(); len(got) != 1 || got[0] != "acme" {
		t.Fatalf("interrupts = %v", got)
	}
	if !containsText(h.drainOutbound(t), "Interrupted") {
		t.Error("interrupt notice not sent")
	}
}

func TestWorkerEventFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ws := h.seedWorkspace(t, "500", "acme", false)

	h.router.handleInbound(ctx, dm("500", "m1", "summarize the day"))
	h.drainOutbound(t)

	h.router.HandleWorkerEvent(ws, "500", &wire.OutputEvent{Type: wire.OutputText, Text: "Looking at the calendar."})
	h.router.HandleWorkerEvent(ws, "500", &wire.OutputEvent{Type: wire.OutputText, Text: "Drafting the summary."})
	h.router.HandleWorkerEvent(ws, "500", &wire.OutputEvent{Type: wire.OutputResult, Result: "Here is your day."})
	h.router.HandleWorkerEvent(ws, "500", &wire.OutputEvent{Type: wire.OutputResult, NewSessionToken: "tok-2"})

	out := h.drainOutbound(t)

	var updates []bus.OutboundMessage
	var finals []bus.OutboundMessage
	var done bool
	for _, m := range out {
		switch m.Kind {
		case bus.OutboundUpdate:
			updates = append(updates, m)
		case bus.OutboundReaction:
			if m.Content == doneEmoji && m.TargetMessageID == "m1" {
				done = true
			}
		case "", bus.OutboundText:
			finals = append(finals, m)
		}
	}

	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	if updates[1].Content != "Looking at the calendar.\nDrafting the summary." {
		t.Errorf("accumulated draft = %q", updates[1].Content)
	}
	if updates[0].Metadata["stream_id"] == "" || updates[0].Metadata["stream_id"] != updates[1].Metadata["stream_id"] {
		t.Errorf("stream ids differ: %v vs %v", updates[0].Metadata, updates[1].Metadata)
	}

	if len(finals) != 1 || finals[0].Content != "Here is your day." {
		t.Fatalf("finals = %+v", finals)
	}
	if finals[0].Metadata["stream_id"] != updates[0].Metadata["stream_id"] {
		t.Error("final does not close the stream")
	}
	if !done {
		t.Error("done reaction not set on the triggering message")
	}

	msgs, _ := h.store.ListMessages(ctx, "500", 10)
	var reply bool
	for _, m := range msgs {
		if m.Direction == state.DirectionOutbound && m.Content == "Here is your day." {
			reply = true
		}
	}
	if !reply {
		t.Error("reply not persisted as history")
	}
}

func TestNamePrefixOnFinals(t *testing.T) {
	h := newHarness(t)
	ws := h.seedWorkspace(t, "500", "acme", false)
	h.cfg.Agent.NamePrefix = true

	h.router.HandleWorkerEvent(ws, "500", &wire.OutputEvent{Type: wire.OutputResult, Result: "done"})

	if !containsText(h.drainOutbound(t), "assistant: done") {
		t.Error("agent name prefix missing")
	}
}

func TestCrashNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedWorkspace(t, "500", "acme", false)

	h.router.NotifyCrash("acme", errors.New("exit status 137"))

	if !containsText(h.drainOutbound(t), "exited unexpectedly") {
		t.Error("crash notice not sent")
	}
	msgs, _ := h.store.ListMessages(ctx, "500", 10)
	if len(msgs) != 1 || msgs[0].Direction != state.DirectionHostNotice {
		t.Errorf("crash notice history = %+v", msgs)
	}
}

func TestRunMergesRapidMessages(t *testing.T) {
	h := newHarness(t)
	h.seedWorkspace(t, "500", "acme", false)
	h.cfg.Agent.InboundDebounceMs = 25

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.router.Run(ctx)
		close(done)
	}()

	h.bus.PublishInbound(dm("500", "m1", "first line"))
	h.bus.PublishInbound(dm("500", "m2", "second line"))

	deadline := time.Now().Add(2 * time.Second)
	for len(h.lane.payloads()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := h.lane.payloads()
	if len(got) != 1 {
		t.Fatalf("enqueued %d turns, want 1 merged", len(got))
	}
	if !strings.Contains(got[0].Text, "first line") || !strings.Contains(got[0].Text, "second line") {
		t.Errorf("merged turn text = %q", got[0].Text)
	}
}
