package state

import (
	"context"
	"errors"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("state: not found")
	// ErrAmbiguous is returned by prefix lookups that match more than one row.
	ErrAmbiguous = errors.New("state: ambiguous id prefix")
)

// Store is the durable record of the host. Implementations serialize
// multi-statement writes inside explicit transactions; sqlite additionally
// holds a process-wide write lock.
type Store interface {
	// Workspaces.
	UpsertWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	GetWorkspaceByFolder(ctx context.Context, folder string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	// Messages. StoreMessage is idempotent on (chat_id, id): replaying an
	// already-recorded message is a no-op reporting stored=false.
	StoreMessage(ctx context.Context, msg *Message) (stored bool, err error)
	MessageExists(ctx context.Context, chatID, id string) (bool, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	PruneMessagesBefore(ctx context.Context, chatID string, senders []string, cutoff string) (int64, error)

	// Channel cursors. AdvanceCursor keeps max(existing, cursor) so replays
	// can never move a highwater mark backwards.
	AdvanceCursor(ctx context.Context, c *ChannelCursor) error
	GetCursor(ctx context.Context, channel, chatID, direction string) (string, error)

	// Worker sessions, keyed by workspace folder.
	SetSession(ctx context.Context, folder, token string) error
	GetSession(ctx context.Context, folder string) (string, error)
	ClearSession(ctx context.Context, folder string) error

	// Scheduled agent tasks. GetScheduledTask accepts a full id or a unique
	// id prefix and returns ErrAmbiguous when the prefix matches several.
	CreateScheduledTask(ctx context.Context, t *ScheduledTask) error
	GetScheduledTask(ctx context.Context, idOrPrefix string) (*ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, workspaceFolder string) ([]*ScheduledTask, error)
	ListDueTasks(ctx context.Context, now string) ([]*ScheduledTask, error)
	UpdateTaskRun(ctx context.Context, id, lastRun, nextRun string) error
	SetTaskStatus(ctx context.Context, idOrPrefix, status string) error
	DeleteScheduledTask(ctx context.Context, idOrPrefix string) error

	// Host jobs.
	CreateHostJob(ctx context.Context, j *HostJob) error
	ListHostJobs(ctx context.Context) ([]*HostJob, error)
	ListDueHostJobs(ctx context.Context, now string) ([]*HostJob, error)
	UpdateHostJobRun(ctx context.Context, id, lastRun, nextRun string) error
	SetHostJobEnabled(ctx context.Context, id string, enabled bool) error

	// Audit trail.
	AppendAudit(ctx context.Context, ev *AuditEvent) error
	ListAudit(ctx context.Context, workspace string, limit int) ([]*AuditEvent, error)
	PruneAuditBefore(ctx context.Context, cutoff string) (int64, error)

	// Chat aliases.
	UpsertChatAlias(ctx context.Context, a *ChatAlias) error
	ResolveChatAlias(ctx context.Context, channel, platformID string) (string, error)

	Close() error
}
