package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tg-guard/tg-guard/app/storage/engine"
	"github.com/tg-guard/tg-guard/lib/status"
)

// Chats is a storage for per-chat moderation settings. Settings are stored as
// a json document per chat, unknown chats get the defaults.
type Chats struct {
	*engine.SQL
	engine.RWLocker
}

// all chat settings queries
const (
	CmdCreateChatsTable engine.DBCmd = iota + 200
	CmdCreateChatsIndexes
	CmdSetChatSettings
)

var chatsQueries = engine.NewQueryMap().
	Add(CmdCreateChatsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS chat_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, chat_id)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS chat_settings (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, chat_id)
		)`,
	}).
	AddSame(CmdCreateChatsIndexes, `
		CREATE INDEX IF NOT EXISTS idx_chat_settings_lookup ON chat_settings(gid, chat_id)
	`).
	Add(CmdSetChatSettings, engine.Query{
		Sqlite: `INSERT INTO chat_settings (gid, chat_id, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (gid, chat_id) DO UPDATE
			SET data = excluded.data, updated_at = excluded.updated_at`,
		Postgres: `INSERT INTO chat_settings (gid, chat_id, data, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (gid, chat_id) DO UPDATE
			SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
	})

// NewChats creates the chat settings storage and initializes the table
func NewChats(ctx context.Context, db *engine.SQL) (*Chats, error) {
	if db == nil {
		return nil, fmt.Errorf("no db provided")
	}

	res := &Chats{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "chat_settings",
		CreateTable:   CmdCreateChatsTable,
		CreateIndexes: CmdCreateChatsIndexes,
		QueriesMap:    chatsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init chat_settings table: %w", err)
	}
	return res, nil
}

// Get returns the settings for the chat, defaults if nothing is stored yet
func (c *Chats) Get(ctx context.Context, chatID string) (status.ChatSettings, error) {
	c.RLock()
	defer c.RUnlock()

	var data string
	query := c.Adopt("SELECT data FROM chat_settings WHERE gid = ? AND chat_id = ?")
	err := c.GetContext(ctx, &data, query, c.GID(), chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return status.DefaultChatSettings(chatID), nil
		}
		return status.ChatSettings{}, fmt.Errorf("failed to get settings for chat %s: %w", chatID, err)
	}

	var settings status.ChatSettings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return status.ChatSettings{}, fmt.Errorf("failed to unmarshal settings for chat %s: %w", chatID, err)
	}
	settings.ChatID = chatID
	return settings, nil
}

// Set stores the settings for the chat, insert or full overwrite
func (c *Chats) Set(ctx context.Context, settings status.ChatSettings) error {
	if settings.ChatID == "" {
		return fmt.Errorf("chat id is empty")
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	c.Lock()
	defer c.Unlock()

	query, err := chatsQueries.Pick(c.Type(), CmdSetChatSettings)
	if err != nil {
		return fmt.Errorf("failed to get set query: %w", err)
	}
	if _, err := c.ExecContext(ctx, query, c.GID(), settings.ChatID, string(data), time.Now()); err != nil {
		return fmt.Errorf("failed to set settings for chat %s: %w", settings.ChatID, err)
	}
	return nil
}

// List returns settings for all chats with stored overrides
func (c *Chats) List(ctx context.Context) ([]status.ChatSettings, error) {
	c.RLock()
	defer c.RUnlock()

	var rows []struct {
		ChatID string `db:"chat_id"`
		Data   string `db:"data"`
	}
	query := c.Adopt("SELECT chat_id, data FROM chat_settings WHERE gid = ? ORDER BY chat_id")
	if err := c.SelectContext(ctx, &rows, query, c.GID()); err != nil {
		return nil, fmt.Errorf("failed to list chat settings: %w", err)
	}

	res := make([]status.ChatSettings, 0, len(rows))
	for _, row := range rows {
		var settings status.ChatSettings
		if err := json.Unmarshal([]byte(row.Data), &settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings for chat %s: %w", row.ChatID, err)
		}
		settings.ChatID = row.ChatID
		res = append(res, settings)
	}
	return res, nil
}
