package poolstatus

import (
	"sync"
	"testing"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

// TestFromMode проверяет вычисление статуса по режиму пула.
func TestFromMode(t *testing.T) {
	tests := []struct {
		mode model.PoolMode
		want Status
	}{
		{model.PoolModeEnabled, Enabled},
		{model.PoolModeReadOnly, ReadOnly},
		{model.PoolModeDisabled, Down},
		{model.PoolMode(""), Uninitialized},
	}

	for _, tt := range tests {
		if got := FromMode(tt.mode); got != tt.want {
			t.Errorf("FromMode(%q) = %q, ожидается %q", tt.mode, got, tt.want)
		}
	}
}

// TestTracker_Transitions проверяет матрицу NextAction.
func TestTracker_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		sequence []Status
		want     NextAction
	}{
		{"инициализация в enabled", []Status{Enabled}, DownToUp},
		{"инициализация в down", []Status{Down}, UpToDown},
		{"enabled → down", []Status{Enabled, Down}, UpToDown},
		{"read_only → down", []Status{ReadOnly, Down}, UpToDown},
		{"down → enabled", []Status{Down, Enabled}, DownToUp},
		{"down → read_only", []Status{Down, ReadOnly}, DownToUp},
		{"enabled → read_only", []Status{Enabled, ReadOnly}, NOP},
		{"enabled → enabled", []Status{Enabled, Enabled}, NOP},
		{"down → down", []Status{Down, Down}, NOP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			var got NextAction
			for _, s := range tt.sequence {
				var err error
				got, err = tr.Update(s)
				if err != nil {
					t.Fatalf("Update(%q): неожиданная ошибка: %v", s, err)
				}
			}
			if got != tt.want {
				t.Errorf("последнее действие = %q, ожидается %q", got, tt.want)
			}
			if tr.Current() != tt.sequence[len(tt.sequence)-1] {
				t.Errorf("Current() = %q", tr.Current())
			}
		})
	}
}

func TestTracker_InvalidStatus(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Update(Status("BROKEN")); err == nil {
		t.Error("ожидалась ошибка для недопустимого статуса")
	}
	if tr.Current() != Uninitialized {
		t.Errorf("статус изменился после ошибки: %q", tr.Current())
	}
}

func TestTracker_DownAndScanned(t *testing.T) {
	tr := NewTracker()
	tr.Update(Down)
	if tr.IsDownAndScanned() {
		t.Error("пул ещё не сканировался в статусе DOWN")
	}
	tr.MarkScanned()
	if !tr.IsDownAndScanned() {
		t.Error("ожидается IsDownAndScanned() после скана в DOWN")
	}
	tr.Update(Enabled)
	if tr.IsDownAndScanned() {
		t.Error("пул снова доступен")
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("ENABLED"); err != nil {
		t.Errorf("ParseStatus(ENABLED): %v", err)
	}
	if _, err := ParseStatus("enabled"); err == nil {
		t.Error("ParseStatus(enabled): ожидалась ошибка")
	}
}

// TestTracker_Concurrent проверяет потокобезопасность.
func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tr.Update(Down)
			} else {
				tr.Update(Enabled)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = tr.Current()
			_ = tr.IsDownAndScanned()
		}()
	}
	wg.Wait()
}
