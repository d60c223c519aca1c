package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/entity"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chatrooms (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		universities TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chatrooms_user ON chatrooms(user_id);

	CREATE TABLE IF NOT EXISTS chatmessages (
		id TEXT PRIMARY KEY,
		chatroom_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		query TEXT NOT NULL,
		content TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (chatroom_id) REFERENCES chatrooms(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON chatmessages(chatroom_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON chatmessages(status);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertProfile(ctx context.Context, p *models.Profile) error {
	query := `
		INSERT INTO profiles (user_id, name, summary, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query, p.UserID, p.Name, p.Summary, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := `SELECT user_id, name, summary, updated_at FROM profiles WHERE user_id = ?`

	var p models.Profile
	var updatedAt int64
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&p.UserID, &p.Name, &p.Summary, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

func (c *Client) CreateChatRoom(ctx context.Context, room *models.ChatRoom) error {
	universities, err := json.Marshal(nonNil(room.Universities))
	if err != nil {
		return fmt.Errorf("failed to marshal universities: %w", err)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO chatrooms (id, user_id, title, universities, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			universities = excluded.universities
	`

	_, err = c.db.ExecContext(ctx, query, room.ID, room.UserID, room.Title, string(universities), room.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create chatroom: %w", err)
	}
	return nil
}

func (c *Client) GetChatRoom(ctx context.Context, id string) (*models.ChatRoom, error) {
	query := `SELECT id, user_id, title, universities, created_at FROM chatrooms WHERE id = ?`

	var room models.ChatRoom
	var universities string
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, id).Scan(&room.ID, &room.UserID, &room.Title, &universities, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chatroom %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chatroom: %w", err)
	}

	if err := json.Unmarshal([]byte(universities), &room.Universities); err != nil {
		logger.Warn("Invalid chatroom universities", zap.String("chatroom_id", id), zap.Error(err))
	}
	room.CreatedAt = time.UnixMilli(createdAt)
	return &room, nil
}

func (c *Client) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	msg.UpdatedAt = now

	query := `
		INSERT INTO chatmessages (id, chatroom_id, user_id, query, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		msg.ID,
		msg.ChatroomID,
		msg.UserID,
		msg.Query,
		string(msg.Status),
		msg.CreatedAt.UnixMilli(),
		msg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	logger.Debug("Message created", zap.String("message_id", msg.ID), zap.String("chatroom_id", msg.ChatroomID))
	return nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	query := `
		SELECT id, chatroom_id, user_id, query, content, status, error, created_at, updated_at
		FROM chatmessages WHERE id = ?
	`

	msg, err := scanMessage(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListCompletedTurns returns up to limit completed exchanges of a chatroom
// created before the given time, oldest first.
func (c *Client) ListCompletedTurns(ctx context.Context, chatroomID string, before time.Time, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, chatroom_id, user_id, query, content, status, error, created_at, updated_at
		FROM chatmessages
		WHERE chatroom_id = ? AND status = ? AND created_at < ? AND content IS NOT NULL
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, chatroomID, string(models.StatusCompleted), before.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if msg.Content == nil {
			continue
		}
		turns = append(turns, models.Turn{
			MessageID: msg.ID,
			Query:     msg.Query,
			Answer:    msg.Content.Markdown,
			CreatedAt: msg.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// MarkProcessing moves a message into processing and discards any content
// left by an earlier failed attempt. Safe to repeat.
func (c *Client) MarkProcessing(ctx context.Context, id string) error {
	query := `UPDATE chatmessages SET status = ?, content = NULL, error = '', updated_at = ? WHERE id = ? AND status != ?`
	return c.exec(ctx, "mark message processing", id, query,
		string(models.StatusProcessing), time.Now().UnixMilli(), id, string(models.StatusCompleted))
}

func (c *Client) CompleteMessage(ctx context.Context, id string, content *models.MessageContent) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	query := `UPDATE chatmessages SET status = ?, content = ?, error = '', updated_at = ? WHERE id = ?`
	if err := c.exec(ctx, "complete message", id, query,
		string(models.StatusCompleted), string(data), time.Now().UnixMilli(), id); err != nil {
		return err
	}

	logger.Info("Message completed", zap.String("message_id", id), zap.Int("markdown_length", len(content.Markdown)))
	return nil
}

func (c *Client) FailMessage(ctx context.Context, id string, reason string) error {
	query := `UPDATE chatmessages SET status = ?, content = NULL, error = ?, updated_at = ? WHERE id = ? AND status != ?`
	return c.exec(ctx, "fail message", id, query,
		string(models.StatusFailed), reason, time.Now().UnixMilli(), id, string(models.StatusCompleted))
}

func (c *Client) exec(ctx context.Context, op, id, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		// A terminal row is left untouched; only a missing id is an error.
		var exists int
		err := c.db.QueryRowContext(ctx, `SELECT 1 FROM chatmessages WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to %s: %w", op, ErrNotFound)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	var content sql.NullString
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&msg.ID,
		&msg.ChatroomID,
		&msg.UserID,
		&msg.Query,
		&content,
		&status,
		&msg.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = models.MessageStatus(status)
	msg.CreatedAt = time.UnixMilli(createdAt)
	msg.UpdatedAt = time.UnixMilli(updatedAt)

	if content.Valid && content.String != "" {
		decoded, err := DecodeContent([]byte(content.String))
		if err != nil {
			logger.Warn("Undecodable message content", zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			msg.Content = decoded
		}
	}

	return &msg, nil
}

// DecodeContent reads a stored content column, translating the legacy
// structured shape into markdown with inline markers.
func DecodeContent(raw []byte) (*models.MessageContent, error) {
	if entity.IsLegacy(raw) {
		md, err := entity.TranslateLegacy(raw)
		if err != nil {
			return nil, err
		}
		return &models.MessageContent{Markdown: md}, nil
	}

	var content models.MessageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal content: %w", err)
	}
	return &content, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
