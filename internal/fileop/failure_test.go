package fileop

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	base := errors.New("ошибка")
	tests := []struct {
		name      string
		err       error
		hasSource bool
		want      FailureAction
	}{
		{"простая ошибка", base, true, FailureRetriable},
		{"fatal", Failure(FailureFatal, base), true, FailureFatal},
		{"broken с источником", Failure(FailureBroken, base), true, FailureBroken},
		{"broken без источника", Failure(FailureBroken, base), false, FailureNewTarget},
		{"newsource без источника", Failure(FailureNewSource, base), false, FailureNewTarget},
		{"обёрнутая newtarget", fmt.Errorf("копирование: %w", Failure(FailureNewTarget, base)), true, FailureNewTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.hasSource); got != tt.want {
				t.Errorf("Classify = %q, ожидается %q", got, tt.want)
			}
		})
	}
}

func TestTaskError_Unwrap(t *testing.T) {
	base := errors.New("пул недоступен")
	err := Failure(FailureRetriable, base)
	if !errors.Is(err, base) {
		t.Error("TaskError должен разворачиваться до исходной ошибки")
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(3, time.Hour)
	now := time.Now()
	h.Add(Snapshot{PnfsID: "1", LastUpdate: now.Add(-3 * time.Second)}, false)
	h.Add(Snapshot{PnfsID: "2", LastUpdate: now.Add(-2 * time.Second)}, true)
	h.Add(Snapshot{PnfsID: "1", LastUpdate: now.Add(-1 * time.Second)}, false)

	all := h.List(false, 0)
	if len(all) != 3 {
		t.Fatalf("записей %d, ожидается 3 (повторная операция хранится отдельно)", len(all))
	}
	if all[0].LastUpdate.Before(all[1].LastUpdate) {
		t.Error("записи должны идти от новых к старым")
	}
	if failed := h.List(true, 0); len(failed) != 1 || failed[0].PnfsID != "2" {
		t.Errorf("неудачные = %+v", failed)
	}

	h.Add(Snapshot{PnfsID: "4", LastUpdate: now}, false)
	if h.Len() != 3 {
		t.Errorf("Len = %d, ожидается 3 (вытеснение старейшей)", h.Len())
	}
	if got := h.List(false, 1); len(got) != 1 || got[0].PnfsID != "4" {
		t.Errorf("List(limit=1) = %+v", got)
	}
}
