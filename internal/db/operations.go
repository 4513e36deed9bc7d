package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printconsole/internal/core"
)

type CommandOperations struct {
	db *sql.DB
}

// RecordCommand upserts the journal row for rec, keyed by its command id.
func (o *CommandOperations) RecordCommand(ctx context.Context, rec core.CommandRecord) error {
	var settled sql.NullTime
	if rec.SettledAt != nil {
		settled = sql.NullTime{Time: rec.SettledAt.UTC(), Valid: true}
	}
	_, err := o.db.ExecContext(ctx, InsertCommand,
		rec.ID.String(), string(rec.Action), string(rec.Target.Kind), string(rec.Target.ID),
		string(rec.State), rec.Error, rec.DispatchedAt.UTC(), settled)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

func (o *CommandOperations) ListCommands(ctx context.Context, filter CommandFilter, limit, offset int) ([]*CommandEntry, error) {
	query := SelectCommands
	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, filter.State)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY dispatched_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	entries := []*CommandEntry{}
	for rows.Next() {
		e := &CommandEntry{}
		var settled sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.CommandID, &e.Action, &e.EntityType, &e.EntityID,
			&e.State, &e.Error, &e.DispatchedAt, &settled); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		if settled.Valid {
			t := settled.Time
			e.SettledAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *CommandOperations) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := o.db.QueryContext(ctx, CountCommandsByState)
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type AuditOperations struct {
	db *sql.DB
}

func (o *AuditOperations) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	result, err := o.db.ExecContext(ctx, InsertAuditLog,
		log.Action, log.EntityType, log.EntityID, log.DetailsJSON, log.IPAddress, log.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit log id: %w", err)
	}
	log.ID = id
	return nil
}

func (o *AuditOperations) ListAuditLogs(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditLog, error) {
	query := SelectAuditLogs
	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []*AuditLog{}
	for rows.Next() {
		log := &AuditLog{}
		if err := rows.Scan(
			&log.ID, &log.Action, &log.EntityType, &log.EntityID,
			&log.DetailsJSON, &log.IPAddress, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Journal groups the persisted command history and the operator audit trail.
type Journal struct {
	Commands *CommandOperations
	Audit    *AuditOperations
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{
		Commands: &CommandOperations{db: db},
		Audit:    &AuditOperations{db: db},
	}
}
