package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
)

type fakeStore struct {
	mu      sync.Mutex
	saved   [][]fileop.Snapshot
	records []fileop.Snapshot
	err     error
}

func (s *fakeStore) LoadOperations(context.Context) ([]fileop.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, s.err
}

func (s *fakeStore) SaveOperations(_ context.Context, ops []fileop.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, ops)
	return nil
}

func (s *fakeStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestCheckpointer_Save(t *testing.T) {
	env := newTestEnv(t)
	env.ns.addFile("0001", "atlas:raw", model.RetentionReplica, "pool-a")
	env.ns.addFile("0002", "atlas:raw", model.RetentionReplica, "pool-b")
	env.scanned(t, "0001", "pool-a")
	env.scanned(t, "0002", "pool-b")

	store := &fakeStore{}
	c := NewCheckpointer(env.ops, store, time.Hour, testLogger())
	if err := c.Save(context.Background()); err != nil {
		t.Fatalf("Save() ошибка: %v", err)
	}

	if len(store.saved) != 1 {
		t.Fatalf("сохранений: %d, ожидается 1", len(store.saved))
	}
	got := store.saved[0]
	if len(got) != 2 || got[0].PnfsID != "0001" || got[1].PnfsID != "0002" {
		t.Fatalf("сохранено %v, ожидается 0001 и 0002", got)
	}
	if got[0].Parent != "pool-a" || got[0].Group != "rg" {
		t.Errorf("запись 0001: parent=%q group=%q, ожидается pool-a и rg", got[0].Parent, got[0].Group)
	}
}

func TestCheckpointer_SaveError(t *testing.T) {
	env := newTestEnv(t)
	storeErr := errors.New("db down")
	c := NewCheckpointer(env.ops, &fakeStore{err: storeErr}, time.Hour, testLogger())

	if err := c.Save(context.Background()); !errors.Is(err, storeErr) {
		t.Errorf("Save() = %v, ожидается %v", err, storeErr)
	}
}

func TestCheckpointer_StopSaves(t *testing.T) {
	env := newTestEnv(t)
	store := &fakeStore{}
	c := NewCheckpointer(env.ops, store, 20*time.Millisecond, testLogger())

	c.Start(context.Background())
	waitFor(t, time.Second, func() bool { return store.saves() >= 1 }, "периодическое сохранение")
	c.Stop(context.Background())

	n := store.saves()
	time.Sleep(60 * time.Millisecond)
	if store.saves() != n {
		t.Error("сохранение продолжилось после Stop")
	}
}

func TestCheckpoint_ReloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.ns.addFile("0001", "atlas:raw", model.RetentionReplica, "pool-a")
	env.scanned(t, "0001", "pool-a")
	snapshots := env.ops.Snapshots()

	restored := newTestEnv(t)
	if n := restored.ops.Reload(snapshots); n != 1 {
		t.Fatalf("Reload() = %d, ожидается 1", n)
	}
	op, err := restored.ops.Operation("0001")
	if err != nil {
		t.Fatalf("операция не восстановлена: %v", err)
	}
	if op.ParentName() != "pool-a" {
		t.Errorf("ParentName() = %q, ожидается %q", op.ParentName(), "pool-a")
	}

	// запись с неизвестной группой пропускается
	snapshots[0].Group = "gone"
	if n := newTestEnv(t).ops.Reload(snapshots); n != 0 {
		t.Errorf("Reload() = %d, ожидается 0", n)
	}
}
