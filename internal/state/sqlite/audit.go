package sqlite

import (
	"context"

	"github.com/nextlevelbuilder/warden/internal/state"
)

func (s *Store) AppendAudit(ctx context.Context, ev *state.AuditEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = state.NowUTC()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Decision, ev.ToolName, ev.Workspace, boolToInt(ev.CorruptionTaint), boolToInt(ev.SecretTaint),
		ev.Reason, ev.RequestID, ev.Timestamp)
	if err != nil {
		return err
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns the most recent limit events, newest first. An empty
// workspace lists across all workspaces.
func (s *Store) ListAudit(ctx context.Context, workspace string, limit int) ([]*state.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp
		FROM audit_events ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if workspace != "" {
		query = `
		SELECT id, decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp
		FROM audit_events WHERE workspace = ? ORDER BY id DESC LIMIT ?`
		args = []any{workspace, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.AuditEvent
	for rows.Next() {
		ev := &state.AuditEvent{}
		var corruption, secret int
		if err := rows.Scan(&ev.ID, &ev.Decision, &ev.ToolName, &ev.Workspace,
			&corruption, &secret, &ev.Reason, &ev.RequestID, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.CorruptionTaint = corruption == 1
		ev.SecretTaint = secret == 1
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PruneAuditBefore(ctx context.Context, cutoff string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
