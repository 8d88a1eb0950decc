// Package deploy implements the rebuild-and-restart flow. A redeploy
// rebuilds the worker image, parks the live session tokens in a
// continuation file and asks the supervisor for a restart; the next
// startup replays the continuation so the originating chat resumes
// warm instead of cold.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/fsatomic"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
)

const (
	buildTimeout = 10 * time.Minute

	resumePrompt = "The host was just redeployed and restarted. Verify everything is healthy and report back in one short message."
)

// Continuation is what survives the restart: where to report back,
// which sessions were warm and what to tell the worker.
type Continuation struct {
	ChatID       string            `json:"chat_id"`
	Sessions     map[string]string `json:"sessions,omitempty"` // workspace folder -> session token
	ResumePrompt string            `json:"resume_prompt,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

// Enqueuer re-enters the resume prompt as a normal turn on the
// workspace queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, ws *state.Workspace, p queue.Payload)
}

// Manager owns both halves of the flow: Redeploy on the way down,
// Resume on the way up.
type Manager struct {
	cfg   *config.Config
	store state.Store
	bus   *bus.MessageBus
	queue Enqueuer

	// terminate asks the supervisor for a restart. Swapped in tests.
	terminate func() error
}

func New(cfg *config.Config, store state.Store, msgBus *bus.MessageBus, enq Enqueuer) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		bus:   msgBus,
		queue: enq,
		terminate: func() error {
			p, err := os.FindProcess(os.Getpid())
			if err != nil {
				return err
			}
			return p.Signal(syscall.SIGTERM)
		},
	}
}

// Redeploy rebuilds the worker image, writes the continuation and
// signals the process. The caller has already told the chat a restart
// is coming; a build failure is returned so it can be reported there.
func (m *Manager) Redeploy(ctx context.Context, chatID string) error {
	if err := m.buildImage(ctx); err != nil {
		return err
	}

	cont := &Continuation{
		ChatID:       chatID,
		Sessions:     m.collectSessions(ctx),
		ResumePrompt: resumePrompt,
		CreatedAt:    state.NowUTC(),
	}
	if err := fsatomic.WriteJSON(m.cfg.ContinuationPath(), cont); err != nil {
		return fmt.Errorf("write continuation: %w", err)
	}

	m.bus.Broadcast(bus.Event{Name: "deploy.restarting", Payload: map[string]string{
		"chat_id": chatID,
	}})
	slog.Info("deploy: restarting", "chat_id", chatID, "sessions", len(cont.Sessions))
	return m.terminate()
}

// buildImage runs the configured build command under a bounded timeout.
// No command configured means restart-only.
func (m *Manager) buildImage(ctx context.Context) error {
	command := m.cfg.Worker.BuildCommand
	if command == "" {
		slog.Info("deploy: no build command configured, restarting without rebuild")
		return nil
	}

	bctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	cmd := exec.CommandContext(bctx, "sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		if bctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("image build timed out after %s", buildTimeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("image build failed: %s", tail(detail, 512))
	}

	slog.Info("deploy: image built", "image", m.cfg.Worker.Image, "took", time.Since(start).Round(time.Second))
	return nil
}

// collectSessions snapshots the warm session tokens so workers resume
// where they were after the restart.
func (m *Manager) collectSessions(ctx context.Context) map[string]string {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		slog.Warn("deploy: workspace list failed, continuing without sessions", "error", err)
		return nil
	}

	sessions := make(map[string]string)
	for _, ws := range workspaces {
		token, err := m.store.GetSession(ctx, ws.Folder)
		if err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				slog.Warn("deploy: session read failed", "workspace", ws.Folder, "error", err)
			}
			continue
		}
		if token != "" {
			sessions[ws.Folder] = token
		}
	}
	return sessions
}

// Resume replays a continuation left by the previous process: session
// tokens go back into the store and the originating chat gets the
// verification turn. The file is consumed first so a bad continuation
// cannot wedge every startup.
func (m *Manager) Resume(ctx context.Context) error {
	path := m.cfg.ContinuationPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read continuation: %w", err)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("deploy: continuation cleanup failed", "path", path, "error", err)
	}

	var cont Continuation
	if err := json.Unmarshal(data, &cont); err != nil {
		return fmt.Errorf("continuation parse: %w", err)
	}

	for folder, token := range cont.Sessions {
		if token == "" {
			continue
		}
		if err := m.store.SetSession(ctx, folder, token); err != nil {
			slog.Warn("deploy: session rehydrate failed", "workspace", folder, "error", err)
		}
	}

	if cont.ChatID == "" {
		return nil
	}
	ws, err := m.store.GetWorkspace(ctx, cont.ChatID)
	if err != nil {
		slog.Warn("deploy: continuation workspace gone, skipping verification turn",
			"chat_id", cont.ChatID, "error", err)
		return nil
	}

	m.bus.PublishOutbound(bus.OutboundMessage{
		ChatID:  cont.ChatID,
		Content: "Redeployed. Verifying worker health.",
	})
	prompt := cont.ResumePrompt
	if prompt == "" {
		prompt = resumePrompt
	}
	m.queue.Enqueue(ctx, ws, queue.Payload{Text: prompt, ChatID: cont.ChatID})

	m.bus.Broadcast(bus.Event{Name: "deploy.resumed", Payload: map[string]string{
		"chat_id":  cont.ChatID,
		"sessions": fmt.Sprintf("%d", len(cont.Sessions)),
	}})
	slog.Info("deploy: continuation resumed", "chat_id", cont.ChatID, "sessions", len(cont.Sessions))
	return nil
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
