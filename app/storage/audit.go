package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tg-guard/tg-guard/app/storage/engine"
	"github.com/tg-guard/tg-guard/lib/status"
)

// Audit is an append-only log of blacklist transitions and enforcement actions
type Audit struct {
	*engine.SQL
	engine.RWLocker
}

// AuditEntry is a single audit record
type AuditEntry struct {
	EntityID   string            `db:"entity_id"`
	EntityType status.EntityType `db:"entity_type"`
	Previous   string            `db:"previous"`
	Requested  string            `db:"requested"`
	Outcome    string            `db:"outcome"`
	Reason     string            `db:"reason"`
	Actor      string            `db:"actor"` // operator or "system" for automatic actions
	Timestamp  time.Time         `db:"timestamp"`
}

// all audit queries
const (
	CmdCreateAuditTable engine.DBCmd = iota + 300
	CmdCreateAuditIndexes
)

var auditQueries = engine.NewQueryMap().
	Add(CmdCreateAuditTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			gid TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			previous TEXT NOT NULL DEFAULT '',
			requested TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS audit_log (
			id SERIAL PRIMARY KEY,
			gid TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			previous TEXT NOT NULL DEFAULT '',
			requested TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}).
	AddSame(CmdCreateAuditIndexes, `
		CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(gid, entity_id, entity_type);
		CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)
	`)

// NewAudit creates the audit storage and initializes the table
func NewAudit(ctx context.Context, db *engine.SQL) (*Audit, error) {
	if db == nil {
		return nil, fmt.Errorf("no db provided")
	}

	res := &Audit{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "audit_log",
		CreateTable:   CmdCreateAuditTable,
		CreateIndexes: CmdCreateAuditIndexes,
		QueriesMap:    auditQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init audit_log table: %w", err)
	}
	return res, nil
}

// Write appends an audit entry, zero timestamp replaced with now
func (a *Audit) Write(ctx context.Context, entry AuditEntry) error {
	if entry.EntityID == "" {
		return fmt.Errorf("entity id is empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.Lock()
	defer a.Unlock()

	query := a.Adopt(`INSERT INTO audit_log (gid, entity_id, entity_type, previous, requested, outcome, reason, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := a.ExecContext(ctx, query, a.GID(), entry.EntityID, entry.EntityType,
		entry.Previous, entry.Requested, entry.Outcome, entry.Reason, entry.Actor, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Recent returns the latest audit entries for the group, newest first
func (a *Audit) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	a.RLock()
	defer a.RUnlock()

	res := []AuditEntry{}
	query := a.Adopt(`SELECT entity_id, entity_type, previous, requested, outcome, reason, actor, timestamp
		FROM audit_log WHERE gid = ? ORDER BY timestamp DESC, id DESC LIMIT ?`)
	if err := a.SelectContext(ctx, &res, query, a.GID(), limit); err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	return res, nil
}

// ForEntity returns all audit entries for one entity, newest first
func (a *Audit) ForEntity(ctx context.Context, id string, t status.EntityType) ([]AuditEntry, error) {
	a.RLock()
	defer a.RUnlock()

	res := []AuditEntry{}
	query := a.Adopt(`SELECT entity_id, entity_type, previous, requested, outcome, reason, actor, timestamp
		FROM audit_log WHERE gid = ? AND entity_id = ? AND entity_type = ? ORDER BY timestamp DESC, id DESC`)
	if err := a.SelectContext(ctx, &res, query, a.GID(), id, t); err != nil {
		return nil, fmt.Errorf("failed to get audit entries for %s %s: %w", t, id, err)
	}
	return res, nil
}
