package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/warden/internal/state"
)

const taskColumns = `id, workspace_folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, status, created_at`

func (s *Store) CreateScheduledTask(ctx context.Context, t *state.ScheduledTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = state.TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = state.ContextResume
	}
	if t.CreatedAt == "" {
		t.CreatedAt = state.NowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.WorkspaceFolder, t.ChatID, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode,
		t.NextRun, nullable(t.LastRun), t.Status, t.CreatedAt)
	return err
}

func (s *Store) GetScheduledTask(ctx context.Context, idOrPrefix string) (*state.ScheduledTask, error) {
	if idOrPrefix == "" {
		return nil, state.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE id LIKE $1 || '%' LIMIT 2
	`, idOrPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*state.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, state.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return nil, state.ErrAmbiguous
	}
}

func (s *Store) ListScheduledTasks(ctx context.Context, workspaceFolder string) ([]*state.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at ASC`
	args := []any{}
	if workspaceFolder != "" {
		query = `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE workspace_folder = $1 ORDER BY created_at ASC`
		args = append(args, workspaceFolder)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) ListDueTasks(ctx context.Context, now string) ([]*state.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = $1 AND next_run <= $2
		ORDER BY next_run ASC
	`, state.TaskActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) UpdateTaskRun(ctx context.Context, id, lastRun, nextRun string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run = $1, next_run = $2 WHERE id = $3
	`, lastRun, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) SetTaskStatus(ctx context.Context, idOrPrefix, status string) error {
	t, err := s.GetScheduledTask(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = $1 WHERE id = $2`, status, t.ID)
	return err
}

func (s *Store) DeleteScheduledTask(ctx context.Context, idOrPrefix string) error {
	t, err := s.GetScheduledTask(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, t.ID)
	return err
}

func scanTask(sc scanner) (*state.ScheduledTask, error) {
	t := &state.ScheduledTask{}
	var lastRun sql.NullString
	err := sc.Scan(&t.ID, &t.WorkspaceFolder, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue,
		&t.ContextMode, &t.NextRun, &lastRun, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.LastRun = lastRun.String
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]*state.ScheduledTask, error) {
	var out []*state.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const hostJobColumns = `id, name, command, schedule_kind, schedule_value, timeout_seconds, enabled, next_run, last_run, created_at`

func (s *Store) CreateHostJob(ctx context.Context, j *state.HostJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.TimeoutSeconds <= 0 {
		j.TimeoutSeconds = 600
	}
	if j.CreatedAt == "" {
		j.CreatedAt = state.NowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_jobs (`+hostJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, j.ID, j.Name, j.Command, j.ScheduleKind, j.ScheduleValue, j.TimeoutSeconds,
		j.Enabled, j.NextRun, nullable(j.LastRun), j.CreatedAt)
	return err
}

func (s *Store) ListHostJobs(ctx context.Context) ([]*state.HostJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostJobColumns+` FROM host_jobs ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHostJobs(rows)
}

func (s *Store) ListDueHostJobs(ctx context.Context, now string) ([]*state.HostJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostJobColumns+` FROM host_jobs
		WHERE enabled AND next_run <= $1
		ORDER BY next_run ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHostJobs(rows)
}

func (s *Store) UpdateHostJobRun(ctx context.Context, id, lastRun, nextRun string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE host_jobs SET last_run = $1, next_run = $2 WHERE id = $3
	`, lastRun, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) SetHostJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE host_jobs SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func collectHostJobs(rows *sql.Rows) ([]*state.HostJob, error) {
	var out []*state.HostJob
	for rows.Next() {
		j := &state.HostJob{}
		var lastRun sql.NullString
		if err := rows.Scan(&j.ID, &j.Name, &j.Command, &j.ScheduleKind, &j.ScheduleValue,
			&j.TimeoutSeconds, &j.Enabled, &j.NextRun, &lastRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.LastRun = lastRun.String
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
