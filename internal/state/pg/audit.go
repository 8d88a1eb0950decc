package pg

import (
	"context"

	"github.com/nextlevelbuilder/warden/internal/state"
)

func (s *Store) AppendAudit(ctx context.Context, ev *state.AuditEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = state.NowUTC()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, ev.Decision, ev.ToolName, ev.Workspace, ev.CorruptionTaint, ev.SecretTaint,
		ev.Reason, ev.RequestID, ev.Timestamp).Scan(&ev.ID)
}

func (s *Store) ListAudit(ctx context.Context, workspace string, limit int) ([]*state.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp
		FROM audit_events ORDER BY id DESC LIMIT $1`
	args := []any{limit}
	if workspace != "" {
		query = `
		SELECT id, decision, tool_name, workspace, corruption_taint, secret_taint, reason, request_id, timestamp
		FROM audit_events WHERE workspace = $1 ORDER BY id DESC LIMIT $2`
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
		if err := rows.Scan(&ev.ID, &ev.Decision, &ev.ToolName, &ev.Workspace,
			&ev.CorruptionTaint, &ev.SecretTaint, &ev.Reason, &ev.RequestID, &ev.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) PruneAuditBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
