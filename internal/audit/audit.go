// Package audit records every admin mutation in an append-only log.
// Entries are never updated or deleted, and each one carries a sequence
// number assigned by the database at the moment the write lands, so log
// order always equals application order.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions recorded against a target. Add/remove cover allow-list grants
// on agents; everything else is plain record lifecycle.
const (
	ActionCreate        = "create"
	ActionUpdate        = "update"
	ActionDelete        = "delete"
	ActionAddAllowed    = "add_allowed_mcp"
	ActionRemoveAllowed = "remove_allowed_mcp"
)

// LeafTarget names a leaf MCP record in an audit entry.
func LeafTarget(id string) string { return "leaf_mcp:" + id }

// AgentTarget names an agent record in an audit entry.
func AgentTarget(id string) string { return "agent:" + id }

// Entry is one recorded mutation. Before and After hold JSON snapshots
// of the touched record; Before is empty on create, After on delete.
type Entry struct {
	Seq    int64           `json:"seq"`
	ID     string          `json:"id"`
	Time   time.Time       `json:"ts"`
	Actor  string          `json:"actor"`
	Action string          `json:"action"`
	Target string          `json:"target"`
	Reason string          `json:"reason"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
}

// Store persists the audit log.
type Store struct {
	db *sql.DB
}

// NewStore creates the audit store, migrating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit log: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMP NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			reason TEXT NOT NULL,
			before_json TEXT,
			after_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
	`)
	return err
}

// Append writes one entry and fills in its assigned sequence number.
// The id and timestamp are stamped here if the caller left them empty.
func (s *Store) Append(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	} else {
		e.Time = e.Time.UTC()
	}

	var before, after any
	if len(e.Before) > 0 {
		before = string(e.Before)
	}
	if len(e.After) > 0 {
		after = string(e.After)
	}

	res, err := s.db.Exec(`
		INSERT INTO audit_log (id, ts, actor, action, target, reason, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Time, e.Actor, e.Action, e.Target, e.Reason, before, after)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read audit sequence: %w", err)
	}
	e.Seq = seq
	return nil
}

// Query filters the log. Zero-valued fields match everything.
type Query struct {
	Action string
	Target string
	Actor  string
	Limit  int
}

// DefaultQueryLimit caps unbounded queries.
const DefaultQueryLimit = 100

// Entries returns matching entries newest first.
func (s *Store) Entries(q Query) ([]Entry, error) {
	stmt := `
		SELECT seq, id, ts, actor, action, target, reason, before_json, after_json
		FROM audit_log
	`
	var conds []string
	var args []any
	if q.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, q.Action)
	}
	if q.Target != "" {
		conds = append(conds, "target = ?")
		args = append(args, q.Target)
	}
	if q.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, q.Actor)
	}
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	stmt += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var before, after sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Time, &e.Actor, &e.Action, &e.Target, &e.Reason, &before, &after); err != nil {
			return nil, err
		}
		if before.Valid && before.String != "" {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid && after.String != "" {
			e.After = json.RawMessage(after.String)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Len reports how many entries the log holds.
func (s *Store) Len() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}
