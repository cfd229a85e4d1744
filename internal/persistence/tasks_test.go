package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

func TestEnqueue_RejectsEmptyUserTask(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "researcher", "   ", persistence.TaskSourceUser); err == nil {
		t.Fatal("expected error for empty user task text")
	}
	if _, err := store.Enqueue(ctx, "researcher", "", persistence.TaskSourceSystem); err == nil {
		t.Fatal("expected error for empty system task text")
	}
	// Delegation may carry empty text; the assignee works from conversation
	// context instead.
	if _, err := store.Enqueue(ctx, "researcher", "", persistence.TaskSourceDelegation); err != nil {
		t.Fatalf("delegation with empty text: %v", err)
	}
}

func TestEnqueue_UnknownAgent(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Enqueue(context.Background(), "ghost", "do something", persistence.TaskSourceUser)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDequeue_FIFOOrder(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		if _, err := store.Enqueue(ctx, "researcher", text, persistence.TaskSourceUser); err != nil {
			t.Fatalf("enqueue %q: %v", text, err)
		}
	}

	for _, want := range texts {
		task, err := store.DequeueOldestPending(ctx, "researcher")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if task == nil {
			t.Fatalf("expected task %q, queue was empty", want)
		}
		if task.Task != want {
			t.Fatalf("expected %q next, got %q", want, task.Task)
		}
		if _, err := store.Complete(ctx, task.ID, "done"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	task, err := store.DequeueOldestPending(ctx, "researcher")
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if task != nil {
		t.Fatalf("expected empty queue, got %q", task.Task)
	}
}

func TestDequeue_ClaimedTaskNotReturnedTwice(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "researcher", "only task", persistence.TaskSourceUser); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := store.DequeueOldestPending(ctx, "researcher")
	if err != nil {
		t.Fatalf("first dequeue: %v", err)
	}
	if first == nil {
		t.Fatal("expected a task")
	}

	second, err := store.DequeueOldestPending(ctx, "researcher")
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if second != nil {
		t.Fatalf("claimed task dequeued twice: %q", second.Task)
	}
}

func TestReleaseClaim_MakesTaskClaimableAgain(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "researcher", "retry me", persistence.TaskSourceUser); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := store.DequeueOldestPending(ctx, "researcher")
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}

	// Simulates a failed iteration: the claim is released and the task
	// stays pending for the next trigger.
	if err := store.ReleaseClaim(ctx, task.ID); err != nil {
		t.Fatalf("release claim: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending after release, got %s", got.Status)
	}

	again, err := store.DequeueOldestPending(ctx, "researcher")
	if err != nil {
		t.Fatalf("re-dequeue: %v", err)
	}
	if again == nil || again.ID != task.ID {
		t.Fatalf("expected released task back, got %+v", again)
	}
}

func TestComplete_Idempotent(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	task, err := store.Enqueue(ctx, "researcher", "finish me", persistence.TaskSourceUser)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := store.Complete(ctx, task.ID, "original result")
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if first.Status != persistence.TaskStatusCompleted || first.Result != "original result" {
		t.Fatalf("unexpected first completion: %+v", first)
	}

	// Completing again must not overwrite the stored result.
	second, err := store.Complete(ctx, task.ID, "different result")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second.Result != "original result" {
		t.Fatalf("second completion overwrote result: %q", second.Result)
	}
	if second.CompletedAt == nil || first.CompletedAt == nil ||
		!second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completion timestamp changed: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestHasPendingTasks(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	has, err := store.HasPendingTasks(ctx, "researcher")
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if has {
		t.Fatal("expected no pending tasks in fresh store")
	}

	if _, err := store.Enqueue(ctx, "researcher", "work", persistence.TaskSourceUser); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	has, err = store.HasPendingTasks(ctx, "researcher")
	if err != nil {
		t.Fatalf("has pending: %v", err)
	}
	if !has {
		t.Fatal("expected a pending task")
	}
}

func TestDequeue_ConcurrentClaimsAreExclusive(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "researcher")
	ctx := context.Background()

	const total = 24
	for i := 0; i < total; i++ {
		if _, err := store.Enqueue(ctx, "researcher", fmt.Sprintf("task %d", i), persistence.TaskSourceUser); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.DequeueOldestPending(ctx, "researcher")
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != total {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), total)
	}
	for id, n := range claimed {
		if n > 1 {
			t.Errorf("task %s claimed %d times", id, n)
		}
	}
}
