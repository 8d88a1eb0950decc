package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/warden/internal/state"
)

func (s *Store) StoreMessage(ctx context.Context, msg *state.Message) (bool, error) {
	var metadata any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return false, fmt.Errorf("serialize metadata: %w", err)
		}
		metadata = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, id, sender, sender_name, content, timestamp, direction, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chat_id, id) DO NOTHING
	`, msg.ChatID, msg.ID, msg.Sender, msg.SenderName, msg.Content, msg.Timestamp, msg.Direction, metadata)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MessageExists(ctx context.Context, chatID, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE chat_id = $1 AND id = $2
	`, chatID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]*state.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, id, sender, sender_name, content, timestamp, direction, metadata FROM (
			SELECT * FROM messages WHERE chat_id = $1 ORDER BY timestamp DESC, id DESC LIMIT $2
		) recent ORDER BY timestamp ASC, id ASC
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PruneMessagesBefore(ctx context.Context, chatID string, senders []string, cutoff string) (int64, error) {
	if len(senders) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE chat_id = $1 AND sender = ANY($2) AND timestamp < $3
	`, chatID, pq.Array(senders), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMessage(sc scanner) (*state.Message, error) {
	m := &state.Message{}
	var metadata sql.NullString
	err := sc.Scan(&m.ChatID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.Direction, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("deserialize metadata: %w", err)
		}
	}
	return m, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, c *state.ChannelCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_cursors (channel, chat_id, direction, cursor) VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, chat_id, direction) DO UPDATE SET cursor = EXCLUDED.cursor
		WHERE EXCLUDED.cursor > channel_cursors.cursor
	`, c.Channel, c.ChatID, c.Direction, c.Cursor)
	return err
}

func (s *Store) GetCursor(ctx context.Context, channel, chatID, direction string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM channel_cursors WHERE channel = $1 AND chat_id = $2 AND direction = $3
	`, channel, chatID, direction).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", state.ErrNotFound
	}
	return cursor, err
}
