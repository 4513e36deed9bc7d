package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printconsole/internal/core"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "console.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.db")
	for i := 0; i < 2; i++ {
		conn, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		var n int
		if err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 applied migrations, got %d", n)
		}
		conn.Close()
	}
}

func TestRecordCommandUpsertsSettlement(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestDB(t))

	dispatched := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := core.CommandRecord{
		ID:           uuid.New(),
		Target:       core.EntityRef{Kind: core.EntityJob, ID: "42"},
		Action:       core.ActionSkipJob,
		State:        core.CommandPending,
		DispatchedAt: dispatched,
	}
	if err := j.Commands.RecordCommand(ctx, rec); err != nil {
		t.Fatalf("record pending: %v", err)
	}

	settled := dispatched.Add(2 * time.Second)
	rec.State = core.CommandFailed
	rec.Error = "job is not in queue"
	rec.SettledAt = &settled
	if err := j.Commands.RecordCommand(ctx, rec); err != nil {
		t.Fatalf("record settled: %v", err)
	}

	entries, err := j.Commands.ListCommands(ctx, CommandFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single row per command, got %d", len(entries))
	}
	e := entries[0]
	if e.CommandID != rec.ID.String() || e.State != "failed" || e.Error != "job is not in queue" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.EntityType != "job" || e.EntityID != "42" || e.Action != string(core.ActionSkipJob) {
		t.Fatalf("unexpected target %+v", e)
	}
	if e.SettledAt == nil || !e.SettledAt.Equal(settled) {
		t.Fatalf("settled at = %v", e.SettledAt)
	}
	if !e.DispatchedAt.Equal(dispatched) {
		t.Fatalf("dispatched at = %v", e.DispatchedAt)
	}
}

func TestListCommandsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestDB(t))
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	records := []core.CommandRecord{
		{ID: uuid.New(), Target: core.EntityRef{Kind: core.EntityPayment, ID: "7"}, Action: core.ActionVerifyPayment, State: core.CommandSucceeded, DispatchedAt: base},
		{ID: uuid.New(), Target: core.EntityRef{Kind: core.EntityJob, ID: "1"}, Action: core.ActionCancelJob, State: core.CommandFailed, DispatchedAt: base.Add(time.Minute)},
		{ID: uuid.New(), Target: core.EntityRef{Kind: core.EntityJob, ID: "2"}, Action: core.ActionTriggerTimeout, State: core.CommandSucceeded, DispatchedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := j.Commands.RecordCommand(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := j.Commands.ListCommands(ctx, CommandFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].CommandID != records[2].ID.String() || all[2].CommandID != records[0].ID.String() {
		t.Fatalf("expected newest first, got %+v", all)
	}

	jobs, err := j.Commands.ListCommands(ctx, CommandFilter{EntityType: "job", State: "succeeded"}, 10, 0)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(jobs) != 1 || jobs[0].EntityID != "2" {
		t.Fatalf("filtered = %+v", jobs)
	}

	page, err := j.Commands.ListCommands(ctx, CommandFilter{}, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].CommandID != records[1].ID.String() {
		t.Fatalf("page = %+v", page)
	}

	counts, err := j.Commands.CountByState(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["succeeded"] != 2 || counts["failed"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestAuditLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestDB(t))

	first := &AuditLog{Action: "login", EntityType: "session", IPAddress: "10.0.0.5", CreatedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	second := &AuditLog{Action: "verify_payment", EntityType: "payment", EntityID: "7", DetailsJSON: `{"verified":true}`, CreatedAt: time.Date(2024, 3, 1, 8, 5, 0, 0, time.UTC)}
	for _, l := range []*AuditLog{first, second} {
		if err := j.Audit.CreateAuditLog(ctx, l); err != nil {
			t.Fatalf("create: %v", err)
		}
		if l.ID == 0 {
			t.Fatalf("audit log id not assigned")
		}
	}

	logs, err := j.Audit.ListAuditLogs(ctx, AuditFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "verify_payment" {
		t.Fatalf("logs = %+v", logs)
	}

	logins, err := j.Audit.ListAuditLogs(ctx, AuditFilter{Action: "login"}, 10, 0)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(logins) != 1 || logins[0].IPAddress != "10.0.0.5" {
		t.Fatalf("logins = %+v", logins)
	}
}
