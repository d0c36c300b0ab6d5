// Package storage provides the sql-backed stores for moderation data:
// entity statuses, per-chat settings and the audit trail. Each table is
// represented by a struct with business logic methods for its data type.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tg-guard/tg-guard/app/storage/engine"
	"github.com/tg-guard/tg-guard/lib/status"
)

// Statuses is a storage for per-entity moderation status records.
// A missing record means a clean entity, Get never fails on absence.
type Statuses struct {
	*engine.SQL
	engine.RWLocker
}

// statusColumns aliases the row columns to status.Entity db tags, the table's
// surrogate id stays out of the result
const statusColumns = `entity_id AS id, entity_type AS type, blacklisted, flag, original_private_id,
	whitelisted, official, operator, agent, can_appeal,
	generalized_spam, generalized_ham, generalized_id, operator_note`

// all status queries
const (
	CmdCreateStatusTable engine.DBCmd = iota + 100
	CmdCreateStatusIndexes
	CmdUpsertStatus
)

var statusQueries = engine.NewQueryMap().
	Add(CmdCreateStatusTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS entity_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL CHECK (entity_type IN ('user', 'channel')),
			blacklisted BOOLEAN NOT NULL DEFAULT 0,
			flag TEXT NOT NULL DEFAULT '',
			original_private_id TEXT NOT NULL DEFAULT '',
			whitelisted BOOLEAN NOT NULL DEFAULT 0,
			official BOOLEAN NOT NULL DEFAULT 0,
			operator BOOLEAN NOT NULL DEFAULT 0,
			agent BOOLEAN NOT NULL DEFAULT 0,
			can_appeal BOOLEAN NOT NULL DEFAULT 0,
			generalized_spam REAL NOT NULL DEFAULT 0,
			generalized_ham REAL NOT NULL DEFAULT 0,
			generalized_id TEXT NOT NULL DEFAULT '',
			operator_note TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, entity_id, entity_type)
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS entity_status (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL CHECK (entity_type IN ('user', 'channel')),
			blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
			flag TEXT NOT NULL DEFAULT '',
			original_private_id TEXT NOT NULL DEFAULT '',
			whitelisted BOOLEAN NOT NULL DEFAULT FALSE,
			official BOOLEAN NOT NULL DEFAULT FALSE,
			operator BOOLEAN NOT NULL DEFAULT FALSE,
			agent BOOLEAN NOT NULL DEFAULT FALSE,
			can_appeal BOOLEAN NOT NULL DEFAULT FALSE,
			generalized_spam DOUBLE PRECISION NOT NULL DEFAULT 0,
			generalized_ham DOUBLE PRECISION NOT NULL DEFAULT 0,
			generalized_id TEXT NOT NULL DEFAULT '',
			operator_note TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(gid, entity_id, entity_type)
		)`,
	}).
	AddSame(CmdCreateStatusIndexes, `
		CREATE INDEX IF NOT EXISTS idx_entity_status_lookup ON entity_status(gid, entity_id, entity_type);
		CREATE INDEX IF NOT EXISTS idx_entity_status_blacklisted ON entity_status(gid, blacklisted)
	`).
	Add(CmdUpsertStatus, engine.Query{
		Sqlite: `INSERT INTO entity_status (gid, entity_id, entity_type, blacklisted, flag, original_private_id,
				whitelisted, official, operator, agent, can_appeal,
				generalized_spam, generalized_ham, generalized_id, operator_note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (gid, entity_id, entity_type) DO UPDATE SET
				blacklisted = excluded.blacklisted, flag = excluded.flag,
				original_private_id = excluded.original_private_id,
				whitelisted = excluded.whitelisted, official = excluded.official,
				operator = excluded.operator, agent = excluded.agent,
				can_appeal = excluded.can_appeal,
				generalized_spam = excluded.generalized_spam,
				generalized_ham = excluded.generalized_ham,
				generalized_id = excluded.generalized_id,
				operator_note = excluded.operator_note,
				updated_at = excluded.updated_at`,
		Postgres: `INSERT INTO entity_status (gid, entity_id, entity_type, blacklisted, flag, original_private_id,
				whitelisted, official, operator, agent, can_appeal,
				generalized_spam, generalized_ham, generalized_id, operator_note, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (gid, entity_id, entity_type) DO UPDATE SET
				blacklisted = EXCLUDED.blacklisted, flag = EXCLUDED.flag,
				original_private_id = EXCLUDED.original_private_id,
				whitelisted = EXCLUDED.whitelisted, official = EXCLUDED.official,
				operator = EXCLUDED.operator, agent = EXCLUDED.agent,
				can_appeal = EXCLUDED.can_appeal,
				generalized_spam = EXCLUDED.generalized_spam,
				generalized_ham = EXCLUDED.generalized_ham,
				generalized_id = EXCLUDED.generalized_id,
				operator_note = EXCLUDED.operator_note,
				updated_at = EXCLUDED.updated_at`,
	})

// NewStatuses creates the statuses storage and initializes the table
func NewStatuses(ctx context.Context, db *engine.SQL) (*Statuses, error) {
	if db == nil {
		return nil, fmt.Errorf("no db provided")
	}

	res := &Statuses{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "entity_status",
		CreateTable:   CmdCreateStatusTable,
		CreateIndexes: CmdCreateStatusIndexes,
		QueriesMap:    statusQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init entity_status table: %w", err)
	}
	return res, nil
}

// Get returns the status record for the entity. A missing record comes back as
// a clean entity with just the id and type set, not an error.
func (s *Statuses) Get(ctx context.Context, id string, t status.EntityType) (status.Entity, error) {
	s.RLock()
	defer s.RUnlock()

	var rec status.Entity
	query := s.Adopt("SELECT " + statusColumns + " FROM entity_status WHERE gid = ? AND entity_id = ? AND entity_type = ?")
	err := s.GetContext(ctx, &rec, query, s.GID(), id, t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return status.Entity{ID: id, Type: t}, nil
		}
		return status.Entity{}, fmt.Errorf("failed to get status for %s %s: %w", t, id, err)
	}
	return rec, nil
}

// Exists reports if a stored record exists for the entity. Unlike Get it
// distinguishes a real record from the clean default.
func (s *Statuses) Exists(ctx context.Context, id string, t status.EntityType) (bool, error) {
	s.RLock()
	defer s.RUnlock()

	var count int
	query := s.Adopt("SELECT COUNT(*) FROM entity_status WHERE gid = ? AND entity_id = ? AND entity_type = ?")
	if err := s.GetContext(ctx, &count, query, s.GID(), id, t); err != nil {
		return false, fmt.Errorf("failed to check existence of %s %s: %w", t, id, err)
	}
	return count > 0, nil
}

// Upsert saves the entity status, insert or full overwrite
func (s *Statuses) Upsert(ctx context.Context, e status.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id is empty")
	}
	if e.Type != status.TypeUser && e.Type != status.TypeChannel {
		return fmt.Errorf("unsupported entity type %q", e.Type)
	}

	s.Lock()
	defer s.Unlock()

	query, err := statusQueries.Pick(s.Type(), CmdUpsertStatus)
	if err != nil {
		return fmt.Errorf("failed to get upsert query: %w", err)
	}

	_, err = s.ExecContext(ctx, query, s.GID(), e.ID, e.Type, e.Blacklisted, e.Flag, e.OriginalPrivateID,
		e.Whitelisted, e.Official, e.Operator, e.Agent, e.CanAppeal,
		e.GeneralizedSpam, e.GeneralizedHam, e.GeneralizedID, e.OperatorNote, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert status for %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Delete removes the entity record, resetting it to clean
func (s *Statuses) Delete(ctx context.Context, id string, t status.EntityType) error {
	s.Lock()
	defer s.Unlock()

	res, err := s.ExecContext(ctx, s.Adopt("DELETE FROM entity_status WHERE gid = ? AND entity_id = ? AND entity_type = ?"),
		s.GID(), id, t)
	if err != nil {
		return fmt.Errorf("failed to delete status for %s %s: %w", t, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no status record for %s %s", t, id)
	}
	return nil
}

// Blacklisted returns all blacklisted entities for the group, newest first
func (s *Statuses) Blacklisted(ctx context.Context) ([]status.Entity, error) {
	s.RLock()
	defer s.RUnlock()

	res := []status.Entity{}
	query := s.Adopt("SELECT " + statusColumns + " FROM entity_status WHERE gid = ? AND blacklisted = ? ORDER BY updated_at DESC")
	if err := s.SelectContext(ctx, &res, query, s.GID(), true); err != nil {
		return nil, fmt.Errorf("failed to get blacklisted entities: %w", err)
	}
	return res, nil
}

// Count returns the number of stored status records for the group
func (s *Statuses) Count(ctx context.Context) (int, error) {
	s.RLock()
	defer s.RUnlock()

	var count int
	query := s.Adopt("SELECT COUNT(*) FROM entity_status WHERE gid = ?")
	if err := s.GetContext(ctx, &count, query, s.GID()); err != nil {
		return 0, fmt.Errorf("failed to count status records: %w", err)
	}
	return count, nil
}
