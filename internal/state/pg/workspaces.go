package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/warden/internal/state"
)

func (s *Store) UpsertWorkspace(ctx context.Context, ws *state.Workspace) error {
	now := state.NowUTC()
	if ws.CreatedAt == "" {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now

	secJSON, err := json.Marshal(ws.Security)
	if err != nil {
		return fmt.Errorf("serialize security: %w", err)
	}
	var container any
	if len(ws.ContainerConfig) > 0 {
		container = string(ws.ContainerConfig)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, folder, trigger_word, is_admin, security, container_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			folder = EXCLUDED.folder,
			trigger_word = EXCLUDED.trigger_word,
			is_admin = EXCLUDED.is_admin,
			security = EXCLUDED.security,
			container_config = EXCLUDED.container_config,
			updated_at = EXCLUDED.updated_at
	`, ws.ID, ws.Name, ws.Folder, ws.Trigger, ws.IsAdmin, string(secJSON), container, ws.CreatedAt, ws.UpdatedAt)
	return err
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*state.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, trigger_word, is_admin, security, container_config, created_at, updated_at
		FROM workspaces WHERE id = $1
	`, id)
	return scanWorkspace(row)
}

func (s *Store) GetWorkspaceByFolder(ctx context.Context, folder string) (*state.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder, trigger_word, is_admin, security, container_config, created_at, updated_at
		FROM workspaces WHERE folder = $1
	`, folder)
	return scanWorkspace(row)
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]*state.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, folder, trigger_word, is_admin, security, container_config, created_at, updated_at
		FROM workspaces ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func scanWorkspace(sc scanner) (*state.Workspace, error) {
	ws := &state.Workspace{}
	var secJSON string
	var container sql.NullString
	err := sc.Scan(&ws.ID, &ws.Name, &ws.Folder, &ws.Trigger, &ws.IsAdmin, &secJSON, &container, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if secJSON != "" {
		if err := json.Unmarshal([]byte(secJSON), &ws.Security); err != nil {
			return nil, fmt.Errorf("deserialize security: %w", err)
		}
	}
	if container.Valid && container.String != "" {
		ws.ContainerConfig = json.RawMessage(container.String)
	}
	return ws, nil
}

func (s *Store) SetSession(ctx context.Context, folder, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (workspace_folder, token, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (workspace_folder) DO UPDATE SET token = EXCLUDED.token, updated_at = EXCLUDED.updated_at
	`, folder, token, state.NowUTC())
	return err
}

func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM sessions WHERE workspace_folder = $1`, folder).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", state.ErrNotFound
	}
	return token, err
}

func (s *Store) ClearSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE workspace_folder = $1`, folder)
	return err
}

func (s *Store) UpsertChatAlias(ctx context.Context, a *state.ChatAlias) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_aliases (channel, platform_id, canonical_id) VALUES ($1, $2, $3)
		ON CONFLICT (channel, platform_id) DO UPDATE SET canonical_id = EXCLUDED.canonical_id
	`, a.Channel, a.PlatformID, a.CanonicalID)
	return err
}

func (s *Store) ResolveChatAlias(ctx context.Context, channel, platformID string) (string, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx, `
		SELECT canonical_id FROM chat_aliases WHERE channel = $1 AND platform_id = $2
	`, channel, platformID).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", state.ErrNotFound
	}
	return canonical, err
}
