package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// CreateQuestion persists a pending question and renders it on the
// owning channel. Channels without interactive support get a plain
// numbered prompt; replies match by chat instead of message id.
func (m *Manager) CreateQuestion(ctx context.Context, q *PendingQuestion) error {
	if q.CreatedAt == "" {
		q.CreatedAt = state.NowUTC()
	}

	dirs := m.root.Workspace(q.SourceWorkspace)
	path := filepath.Join(dirs.PendingQuestions(), q.RequestID+".json")
	if err := writeJSON(path, q); err != nil {
		return fmt.Errorf("persist pending question: %w", err)
	}

	channel, msgID, err := m.notify.AskUser(ctx, q.ChatID, q.RequestID, q.Questions)
	if err != nil {
		// Fall back to plain text; the reply is matched by chat.
		if sendErr := m.notify.SendToChat(ctx, q.ChatID, formatQuestions(q.Questions)); sendErr != nil {
			slog.Warn("question prompt delivery failed", "request_id", q.RequestID, "chat_id", q.ChatID, "error", sendErr)
		}
	}
	q.ChannelName = channel
	q.MessageID = msgID
	if err := writeJSON(path, q); err != nil {
		return fmt.Errorf("persist pending question: %w", err)
	}

	m.bus.Broadcast(bus.Event{Name: "question.created", Payload: q})
	slog.Info("pending question created",
		"request_id", q.RequestID, "workspace", q.SourceWorkspace,
		"chat_id", q.ChatID, "questions", len(q.Questions))
	return nil
}

// QuestionByRequestID looks one pending question up across workspaces.
func (m *Manager) QuestionByRequestID(requestID string) (*PendingQuestion, bool) {
	_, questions, err := m.ListPending()
	if err != nil {
		return nil, false
	}
	for _, q := range questions {
		if q.RequestID == requestID {
			return q, true
		}
	}
	return nil, false
}

// FindQuestion matches a chat reply to a pending question. A reply that
// targets the question bubble wins; otherwise the oldest open question
// for the chat is assumed.
func (m *Manager) FindQuestion(chatID, targetMessageID string) (*PendingQuestion, bool) {
	_, questions, err := m.ListPending()
	if err != nil {
		return nil, false
	}

	var oldest *PendingQuestion
	for _, q := range questions {
		if q.ChatID != chatID {
			continue
		}
		if targetMessageID != "" && q.MessageID == targetMessageID {
			return q, true
		}
		if oldest == nil || q.CreatedAt < oldest.CreatedAt {
			oldest = q
		}
	}
	if targetMessageID != "" && oldest == nil {
		return nil, false
	}
	return oldest, oldest != nil
}

// AnswerQuestion resolves a pending question with the user's answers.
// Warm path: the worker still runs, so the answer map goes straight
// into its response file and it unblocks in place. Cold path: the
// worker is gone, so the Q&A is rephrased as context and re-enters the
// queue as a normal message.
func (m *Manager) AnswerQuestion(ctx context.Context, q *PendingQuestion, answers wire.AskAnswer) error {
	m.mu.Lock()
	alive := m.alive
	enq := m.queue
	m.mu.Unlock()

	warm := alive != nil && alive(q.SourceWorkspace)
	if warm {
		writer := ipc.NewWriter(m.root.Workspace(q.SourceWorkspace))
		if _, err := writer.WriteResponse(q.RequestID, wire.OKResponse(answers)); err != nil {
			return fmt.Errorf("answer response write: %w", err)
		}
	} else {
		if enq == nil {
			return fmt.Errorf("no cold path configured for question %s", q.RequestID)
		}
		ws, err := m.store.GetWorkspaceByFolder(ctx, q.SourceWorkspace)
		if err != nil {
			return fmt.Errorf("resolve workspace %s: %w", q.SourceWorkspace, err)
		}
		enq.Enqueue(ctx, ws, queue.Payload{
			Text:   formatColdAnswer(q, answers),
			ChatID: q.ChatID,
		})
	}

	path := filepath.Join(m.root.Workspace(q.SourceWorkspace).PendingQuestions(), q.RequestID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("pending question cleanup failed", "path", path, "error", err)
	}

	m.bus.Broadcast(bus.Event{Name: "question.answered", Payload: map[string]string{
		"request_id": q.RequestID,
		"workspace":  q.SourceWorkspace,
	}})
	slog.Info("question answered", "request_id", q.RequestID, "warm", warm)
	return nil
}

// formatQuestions renders the plain-text prompt for channels without
// interactive support.
func formatQuestions(questions []wire.Question) string {
	var sb strings.Builder
	sb.WriteString("The agent needs your input:\n")
	for i, q := range questions {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, q.Text)
		if len(q.Options) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(q.Options, " / "))
		}
	}
	sb.WriteString("\n\nReply to answer.")
	return sb.String()
}

// formatColdAnswer turns a resolved Q&A into the context paragraph a
// fresh worker needs to pick the conversation back up.
func formatColdAnswer(q *PendingQuestion, answers wire.AskAnswer) string {
	var sb strings.Builder
	sb.WriteString("You previously asked the user:\n")
	for _, question := range q.Questions {
		fmt.Fprintf(&sb, "- %q", question.Text)
		if len(question.Options) > 0 {
			fmt.Fprintf(&sb, " (options: %s)", strings.Join(question.Options, " / "))
		}
		sb.WriteByte('\n')
		if answer, ok := answers[question.Text]; ok {
			fmt.Fprintf(&sb, "  The user answered: %q\n", answer)
		}
	}
	sb.WriteString("Continue from where you left off.")
	return sb.String()
}
