package repository

import (
	"context"
	"testing"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/session"
)

func TestMemoryCreateGet(t *testing.T) {
	repo := NewMemoryRepository()
	defer repo.Close()
	ctx := context.Background()

	s := &session.Session{Model: "sonnet"}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.ID == "" {
		t.Fatal("Create did not mint an ID")
	}
	if s.Status != session.StatusIdle {
		t.Errorf("expected idle status, got %s", s.Status)
	}

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Model != "sonnet" {
		t.Errorf("expected model sonnet, got %s", got.Model)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Get(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for missing session")
	}
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryTouchAndStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s := &session.Session{}
	_ = repo.Create(ctx, s)

	if err := repo.Touch(ctx, s.ID, 2); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := repo.UpdateStatus(ctx, s.ID, session.StatusActive); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, _ := repo.Get(ctx, s.ID)
	if got.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", got.MessageCount)
	}
	if got.Status != session.StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
}

func TestMemoryListOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a := &session.Session{}
	b := &session.Session{}
	_ = repo.Create(ctx, a)
	_ = repo.Create(ctx, b)
	_ = repo.Touch(ctx, a.ID, 1)

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != a.ID {
		t.Errorf("expected most recently touched session first")
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s := &session.Session{}
	_ = repo.Create(ctx, s)

	got, _ := repo.Get(ctx, s.ID)
	got.Status = "mutated"

	again, _ := repo.Get(ctx, s.ID)
	if again.Status == "mutated" {
		t.Error("Get must return a copy, not shared state")
	}
}
