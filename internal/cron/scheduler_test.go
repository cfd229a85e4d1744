package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/cron"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "teamsd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAgent(t *testing.T, store *persistence.Store, agentID string) {
	t.Helper()
	err := store.UpsertAgent(context.Background(), persistence.Agent{
		AgentID: agentID, DisplayName: agentID, Status: persistence.AgentStatusActive,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 10, 8, 2, 0, 0, time.UTC)

	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("every-5-minutes: got %v, want %v", next, want)
	}

	next, err = cron.NextRunTime("0 9 * * 1", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// March 10 2026 is a Tuesday; next Monday 09:00 is March 16.
	want = time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("weekly: got %v, want %v", next, want)
	}
}

func TestNextRunTime_RejectsInvalidExpressions(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "0 9 * *", "* * * * * *"} {
		if _, err := cron.NextRunTime(expr, time.Now()); err == nil {
			t.Fatalf("expected parse error for %q", expr)
		}
	}
}

func TestSync_RegistersSchedules(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()
	sched := cron.NewScheduler(cron.Config{Store: store})

	entries := []config.ScheduleEntry{
		{Name: "morning-brief", CronExpr: "0 9 * * *", AgentID: "analyst", Task: "Prepare the morning briefing"},
	}
	if err := sched.Sync(ctx, entries); err != nil {
		t.Fatalf("sync: %v", err)
	}

	stored, err := store.ListSchedules(ctx, "analyst")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(stored))
	}
	s := stored[0]
	if !s.Enabled || s.CronExpr != "0 9 * * *" || s.Task != "Prepare the morning briefing" {
		t.Fatalf("schedule fields wrong: %+v", s)
	}
	if s.NextRunAt == nil || !s.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Fatalf("next run not computed: %+v", s.NextRunAt)
	}

	// Re-sync updates in place rather than duplicating.
	entries[0].Task = "Prepare the extended morning briefing"
	if err := sched.Sync(ctx, entries); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	stored, _ = store.ListSchedules(ctx, "analyst")
	if len(stored) != 1 || stored[0].Task != "Prepare the extended morning briefing" {
		t.Fatalf("re-sync duplicated or skipped: %+v", stored)
	}
}

func TestSync_RejectsBadCron(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	sched := cron.NewScheduler(cron.Config{Store: store})
	err := sched.Sync(context.Background(), []config.ScheduleEntry{
		{Name: "broken", CronExpr: "whenever", AgentID: "analyst", Task: "x"},
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()

	// Register directly with a next-run in the past so the first tick
	// finds it due.
	past := time.Now().Add(-time.Minute)
	upserted, err := store.UpsertSchedule(ctx, persistence.Schedule{
		Name: "morning-brief", CronExpr: "0 9 * * *", AgentID: "analyst",
		Task: "Prepare the morning briefing", Enabled: true,
	}, past)
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	sched := cron.NewScheduler(cron.Config{Store: store, Interval: 10 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	var pending []persistence.Task
	for time.Now().Before(deadline) {
		pending, err = store.ListTasks(ctx, "analyst", persistence.TaskStatusPending)
		if err == nil && len(pending) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) == 0 {
		t.Fatal("due schedule never enqueued a task")
	}
	if pending[0].Source != persistence.TaskSourceSystem || pending[0].Task != "Prepare the morning briefing" {
		t.Fatalf("wrong task: %+v", pending[0])
	}

	stored, err := store.ListSchedules(ctx, "analyst")
	if err != nil || len(stored) != 1 {
		t.Fatalf("list schedules: %v %+v", err, stored)
	}
	s := stored[0]
	if s.ID != upserted.ID {
		t.Fatalf("schedule id changed: %s vs %s", s.ID, upserted.ID)
	}
	if s.LastRunAt == nil {
		t.Fatal("last run not recorded")
	}
	if s.NextRunAt == nil || !s.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Fatalf("next run not advanced: %+v", s.NextRunAt)
	}
}
