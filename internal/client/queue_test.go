package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/ot"
)

func setupQueue(t *testing.T) (*Queue, string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "cadmus-queue-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	path := filepath.Join(tmpDir, "queue.db")
	q, err := OpenQueue(path)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open queue: %v", err)
	}

	cleanup := func() {
		q.Close()
		os.RemoveAll(tmpDir)
	}
	return q, path, cleanup
}

func pendingInsert(id, text string) PendingEdit {
	return PendingEdit{
		ID:        id,
		ClientID:  "c1",
		Ops:       []ot.Op{{Type: ot.OpInsert, Value: text}},
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueueFIFO(t *testing.T) {
	q, _, cleanup := setupQueue(t)
	defer cleanup()

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := q.Enqueue(pendingInsert(id, id)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	if n, _ := q.Len(); n != 3 {
		t.Errorf("Expected length 3, got %d", n)
	}

	for _, want := range []string{"e1", "e2", "e3"} {
		head, ok, err := q.Head()
		if err != nil {
			t.Fatalf("Head failed: %v", err)
		}
		if !ok {
			t.Fatalf("Queue empty, wanted %s", want)
		}
		if head.ID != want {
			t.Errorf("Expected head %s, got %s", want, head.ID)
		}
		if err := q.RemoveHead(); err != nil {
			t.Fatalf("RemoveHead failed: %v", err)
		}
	}

	if _, ok, _ := q.Head(); ok {
		t.Error("Queue should be empty")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	q, path, cleanup := setupQueue(t)
	defer cleanup()

	if err := q.Enqueue(pendingInsert("e1", "hello")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(pendingInsert("e2", "world")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id1, err := q.ClientID()
	if err != nil {
		t.Fatalf("ClientID failed: %v", err)
	}
	q.Close()

	q2, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer q2.Close()

	all, err := q2.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "e1" || all[1].ID != "e2" {
		t.Errorf("Queue did not survive reopen: %+v", all)
	}
	if all[0].Ops[0].Value != "hello" {
		t.Errorf("Ops did not round trip: %+v", all[0].Ops)
	}

	id2, err := q2.ClientID()
	if err != nil {
		t.Fatalf("ClientID after reopen failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Client id changed across reopen: %s vs %s", id1, id2)
	}
}

func TestQueueUpdateHeadAndTail(t *testing.T) {
	q, _, cleanup := setupQueue(t)
	defer cleanup()

	if err := q.Enqueue(pendingInsert("e1", "a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(pendingInsert("e2", "b")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	head, _, _ := q.Head()
	head.Attempt = 3
	if err := q.UpdateHead(*head); err != nil {
		t.Fatalf("UpdateHead failed: %v", err)
	}

	tail, _, _ := q.Tail()
	tail.Ops = []ot.Op{{Type: ot.OpInsert, Value: "bb"}}
	if err := q.UpdateTail(*tail); err != nil {
		t.Fatalf("UpdateTail failed: %v", err)
	}

	all, _ := q.All()
	if all[0].Attempt != 3 {
		t.Errorf("Head update lost: %+v", all[0])
	}
	if all[1].Ops[0].Value != "bb" {
		t.Errorf("Tail update lost: %+v", all[1])
	}
	if n, _ := q.Len(); n != 2 {
		t.Errorf("Updates should not change length, got %d", n)
	}
}

func TestQueueUpdateEmptyFails(t *testing.T) {
	q, _, cleanup := setupQueue(t)
	defer cleanup()

	if err := q.UpdateHead(pendingInsert("e1", "x")); err == nil {
		t.Error("UpdateHead on empty queue should fail")
	}
	if err := q.UpdateTail(pendingInsert("e1", "x")); err == nil {
		t.Error("UpdateTail on empty queue should fail")
	}
}

func TestQueueReplaceAll(t *testing.T) {
	q, _, cleanup := setupQueue(t)
	defer cleanup()

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := q.Enqueue(pendingInsert(id, id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	replacement := []PendingEdit{pendingInsert("r1", "x"), pendingInsert("r2", "y")}
	if err := q.ReplaceAll(replacement); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	all, err := q.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "r1" || all[1].ID != "r2" {
		t.Errorf("ReplaceAll gave wrong queue: %+v", all)
	}

	// Clearing with nil empties the queue.
	if err := q.ReplaceAll(nil); err != nil {
		t.Fatalf("ReplaceAll(nil) failed: %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}
