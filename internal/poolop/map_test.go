package poolop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
)

type fakeScanTask struct{ canceled atomic.Int32 }

func (t *fakeScanTask) Cancel() { t.canceled.Add(1) }

// fakeScanner запоминает запросы; результат сообщает сам тест.
type fakeScanner struct {
	mu       sync.Mutex
	requests []ScanRequest
	tasks    []*fakeScanTask
}

func (s *fakeScanner) StartScan(req ScanRequest) ScanTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeScanTask{}
	s.requests = append(s.requests, req)
	s.tasks = append(s.tasks, t)
	return t
}

func (s *fakeScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeCanceler struct {
	mu      sync.Mutex
	filters []fileop.Filter
}

func (c *fakeCanceler) Cancel(filter fileop.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filter)
}

type memoryStore struct {
	mu       sync.Mutex
	excluded []string
	saves    int
}

func (s *memoryStore) ListExcluded(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.excluded...), nil
}

func (s *memoryStore) SaveExcluded(_ context.Context, pools []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded = append([]string(nil), pools...)
	s.saves++
	return nil
}

func testPools(t *testing.T) *poolinfo.Map {
	t.Helper()
	topo := &model.Topology{
		Pools: []model.TopologyPool{
			{Name: "a", Mode: model.PoolModeEnabled},
			{Name: "b", Mode: model.PoolModeEnabled},
			{Name: "c", Mode: model.PoolModeEnabled},
			{Name: "plain", Mode: model.PoolModeEnabled},
		},
		PoolGroups: []model.TopologyPoolGroup{
			{Name: "rg", Resilient: true, Pools: []string{"a", "b", "c"}},
			{Name: "default", Pools: []string{"plain"}},
		},
		StorageUnits: []model.TopologyStorageUnit{
			{Name: "test:disk@osm", Required: 2, PoolGroups: []string{"rg"}},
		},
	}
	m := poolinfo.NewMap()
	m.Apply(m.Compare(topo))
	return m
}

type fixture struct {
	pools   *poolinfo.Map
	ops     *Map
	scanner *fakeScanner
	files   *fakeCanceler
	store   *memoryStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		pools:   testPools(t),
		scanner: &fakeScanner{},
		files:   &fakeCanceler{},
		store:   &memoryStore{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ops = NewMap(f.pools, f.files, f.store, cfg, logger)
	f.ops.SetScanner(f.scanner)
	f.ops.LoadPools(context.Background())
	return f
}

func (f *fixture) state(t *testing.T, pool string) State {
	t.Helper()
	s, err := f.ops.Get(pool)
	if err != nil {
		t.Fatalf("Get(%s): %v", pool, err)
	}
	return s.State
}

// startScan доводит пул до RUNNING через обновление статуса
// и принудительный скан.
func (f *fixture) startScan(t *testing.T, pool string) {
	t.Helper()
	f.ops.Update(f.pools.PoolState(pool))
	f.ops.Scan(f.pools.PoolState(pool), false)
	f.ops.Sweep()
	if got := f.state(t, pool); got != StateRunning {
		t.Fatalf("state(%s) = %q, ожидается %q", pool, got, StateRunning)
	}
}

func TestLoadPools(t *testing.T) {
	f := newFixture(t, Config{})

	if got := len(f.ops.List(Filter{})); got != 3 {
		t.Errorf("пулов = %d, ожидается 3 (только resilient)", got)
	}
	if _, err := f.ops.Get("plain"); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("Get(plain) err = %v, ожидается ErrPoolNotFound", err)
	}

	f.pools.Apply(f.pools.Compare(&model.Topology{
		Pools: []model.TopologyPool{
			{Name: "a", Mode: model.PoolModeEnabled},
			{Name: "b", Mode: model.PoolModeEnabled},
		},
		PoolGroups: []model.TopologyPoolGroup{
			{Name: "rg", Resilient: true, Pools: []string{"a", "b"}},
		},
	}))
	removed := f.ops.LoadPools(context.Background())
	if len(removed) != 1 || removed[0] != "c" {
		t.Errorf("removed = %v, ожидается [c]", removed)
	}
}

func TestLoadPools_RestoresExcluded(t *testing.T) {
	pools := testPools(t)
	store := &memoryStore{excluded: []string{"b"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ops := NewMap(pools, &fakeCanceler{}, store, Config{}, logger)
	ops.LoadPools(context.Background())

	s, err := ops.Get("b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.State != StateExcluded {
		t.Errorf("state = %q, ожидается %q", s.State, StateExcluded)
	}
	i, _ := pools.PoolIndex("b")
	if info, _ := pools.PoolInformation(i); !info.Excluded {
		t.Error("пул должен быть помечен исключённым в PoolInfoMap")
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, восстановление не должно перезаписывать хранилище", store.saves)
	}
}

func TestUpdate_SchedulesAndCompletesScan(t *testing.T) {
	f := newFixture(t, Config{})
	f.startScan(t, "a")

	if f.scanner.count() != 1 {
		t.Fatalf("сканов = %d, ожидается 1", f.scanner.count())
	}
	req := f.scanner.requests[0]
	if req.Pool != "a" || req.Type != model.MessagePoolStatusUp || req.Unit != model.NoIndex {
		t.Errorf("запрос = %+v", req)
	}

	f.ops.ScanCompleted("a", 2, nil)
	if got := f.state(t, "a"); got != StateRunning {
		t.Errorf("state = %q, скан ждёт дочерние операции", got)
	}
	f.ops.ChildTerminated("a", "0001", false)
	f.ops.ChildTerminated("a", "0002", true)

	s, _ := f.ops.Get("a")
	if s.State != StateIdle {
		t.Errorf("state = %q, ожидается %q", s.State, StateIdle)
	}
	if s.LastStatus != s.CurrentStatus {
		t.Errorf("last = %q, current = %q: статус скана должен быть зафиксирован", s.LastStatus, s.CurrentStatus)
	}
}

func TestChildBeforeCount(t *testing.T) {
	f := newFixture(t, Config{})
	f.startScan(t, "a")

	f.ops.ChildTerminated("a", "0001", false)
	if got := f.state(t, "a"); got != StateRunning {
		t.Fatalf("state = %q, число дочерних ещё неизвестно", got)
	}
	f.ops.ScanCompleted("a", 1, nil)
	if got := f.state(t, "a"); got != StateIdle {
		t.Errorf("state = %q, ожидается %q", got, StateIdle)
	}
}

func TestScanCompleted(t *testing.T) {
	tests := []struct {
		name     string
		children int
		err      error
		want     State
	}{
		{"без дочерних", 0, nil, StateIdle},
		{"ошибка скана", 0, errors.New("namespace недоступен"), StateFailed},
		{"есть дочерние", 3, nil, StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.startScan(t, "a")
			f.ops.ScanCompleted("a", tt.children, tt.err)
			if got := f.state(t, "a"); got != tt.want {
				t.Errorf("state = %q, ожидается %q", got, tt.want)
			}
		})
	}
}

func TestUpdate_SameStatusIsNop(t *testing.T) {
	f := newFixture(t, Config{})
	f.startScan(t, "a")
	f.ops.ScanCompleted("a", 0, nil)

	f.ops.Update(f.pools.PoolState("a"))
	if got := f.state(t, "a"); got != StateIdle {
		t.Errorf("state = %q, повторный статус не должен вызывать скан", got)
	}
}

func TestUpdate_IgnoresNonResilient(t *testing.T) {
	f := newFixture(t, Config{})
	f.ops.Update(f.pools.PoolState("plain"))
	if _, err := f.ops.Get("plain"); err == nil {
		t.Error("не-resilient пул не должен попадать в карту")
	}
}

func TestUpdate_CancelsRunningScan(t *testing.T) {
	f := newFixture(t, Config{RestartGracePeriod: time.Hour, DownGracePeriod: time.Hour})
	f.ops.Update(f.pools.PoolState("a"))
	f.ops.Scan(f.pools.PoolState("a"), false)
	f.ops.Sweep()
	if f.scanner.count() != 1 {
		t.Fatalf("сканов = %d, ожидается 1", f.scanner.count())
	}

	f.pools.UpdatePoolMode("a", model.PoolModeDisabled)
	f.ops.Update(f.pools.PoolState("a"))

	if f.scanner.tasks[0].canceled.Load() != 1 {
		t.Error("выполняемый скан должен быть отменён")
	}
	if len(f.files.filters) != 1 || f.files.filters[0].Parent != "a" || !f.files.filters[0].ForceRemoval {
		t.Errorf("фильтры отмены = %+v", f.files.filters)
	}
	if got := f.state(t, "a"); got != StateWaiting {
		t.Errorf("state = %q, ожидается %q", got, StateWaiting)
	}

	f.ops.Sweep()
	if got := f.state(t, "a"); got != StateWaiting {
		t.Errorf("state = %q, grace-период недоступного пула не истёк", got)
	}
}

func TestSweep_GracePeriodAndForce(t *testing.T) {
	f := newFixture(t, Config{RestartGracePeriod: time.Hour})
	f.ops.Update(f.pools.PoolState("a"))
	f.ops.Sweep()
	if got := f.state(t, "a"); got != StateWaiting {
		t.Fatalf("state = %q, grace-период не истёк", got)
	}

	f.ops.Scan(f.pools.PoolState("a"), false)
	f.ops.Sweep()
	if got := f.state(t, "a"); got != StateRunning {
		t.Errorf("state = %q, принудительный скан должен запуститься", got)
	}
	if !f.scanner.requests[0].Force {
		t.Error("запрос должен быть принудительным")
	}
}

func TestSweep_MaxConcurrent(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrentRunning: 1})
	for _, p := range []string{"a", "b", "c"} {
		f.ops.Update(f.pools.PoolState(p))
	}
	f.ops.Sweep()
	if f.scanner.count() != 1 {
		t.Errorf("сканов = %d, ожидается 1", f.scanner.count())
	}
	running := f.ops.List(Filter{States: []State{StateRunning}})
	if len(running) != 1 || running[0].Pool != "a" {
		t.Errorf("running = %v", running)
	}
}

func TestScan_DownAndScanned(t *testing.T) {
	f := newFixture(t, Config{})
	f.pools.UpdatePoolMode("a", model.PoolModeDisabled)
	f.startScan(t, "a")
	f.ops.ScanCompleted("a", 0, nil)

	if f.ops.Scan(f.pools.PoolState("a"), false) {
		t.Error("отсканированный недоступный пул не должен сканироваться повторно")
	}
	if !f.ops.Scan(f.pools.PoolState("a"), true) {
		t.Error("bypass должен разрешать скан")
	}
	f.ops.Sweep()
	if got := f.scanner.requests[len(f.scanner.requests)-1].Type; got != model.MessagePoolStatusDown {
		t.Errorf("тип = %q, ожидается %q", got, model.MessagePoolStatusDown)
	}
}

func TestScan_Uninitialized(t *testing.T) {
	f := newFixture(t, Config{})
	if f.ops.Scan(f.pools.PoolState("a"), true) {
		t.Error("неинициализированный пул не сканируется")
	}
}

func TestSweep_Watchdog(t *testing.T) {
	tests := []struct {
		name     string
		watchdog bool
		want     State
	}{
		{"включён", true, StateRunning},
		{"выключен", false, StateIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{ScanWindow: time.Nanosecond, Watchdog: tt.watchdog})
			f.startScan(t, "a")
			f.ops.ScanCompleted("a", 0, nil)

			time.Sleep(time.Millisecond)
			f.ops.Sweep()
			if got := f.state(t, "a"); got != tt.want {
				t.Errorf("state = %q, ожидается %q", got, tt.want)
			}
		})
	}
}

func TestSetIncluded(t *testing.T) {
	f := newFixture(t, Config{})
	f.startScan(t, "a")

	if n := f.ops.SetIncluded(Filter{Pools: []string{"a"}}, false); n != 1 {
		t.Fatalf("SetIncluded = %d, ожидается 1", n)
	}
	if got := f.state(t, "a"); got != StateExcluded {
		t.Errorf("state = %q, ожидается %q", got, StateExcluded)
	}
	if f.scanner.tasks[0].canceled.Load() != 1 {
		t.Error("скан исключённого пула должен быть отменён")
	}
	if len(f.store.excluded) != 1 || f.store.excluded[0] != "a" {
		t.Errorf("сохранено = %v, ожидается [a]", f.store.excluded)
	}

	f.ops.Update(f.pools.PoolState("a"))
	f.ops.Sweep()
	if got := f.state(t, "a"); got != StateExcluded {
		t.Errorf("state = %q, исключённый пул не сканируется", got)
	}

	if n := f.ops.SetIncluded(Filter{Pools: []string{"a"}}, true); n != 1 {
		t.Fatalf("SetIncluded = %d, ожидается 1", n)
	}
	if got := f.state(t, "a"); got != StateWaiting {
		t.Errorf("state = %q, возвращённый пул должен ждать скана", got)
	}
	i, _ := f.pools.PoolIndex("a")
	if info, _ := f.pools.PoolInformation(i); info.Excluded {
		t.Error("пометка исключения должна быть снята")
	}
	if len(f.store.excluded) != 0 {
		t.Errorf("сохранено = %v, ожидается пусто", f.store.excluded)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Config{RestartGracePeriod: time.Hour})
	f.startScan(t, "a")
	f.ops.Update(f.pools.PoolState("b"))

	if n := f.ops.Cancel(Filter{}); n != 2 {
		t.Errorf("Cancel = %d, ожидается 2", n)
	}
	for _, p := range []string{"a", "b"} {
		if got := f.state(t, p); got != StateCanceled {
			t.Errorf("state(%s) = %q, ожидается %q", p, got, StateCanceled)
		}
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t, Config{})
	f.startScan(t, "a")
	f.ops.Remove("a")

	if f.scanner.tasks[0].canceled.Load() != 1 {
		t.Error("скан удалённого пула должен быть отменён")
	}
	if _, err := f.ops.Get("a"); err == nil {
		t.Error("пул должен быть удалён")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Timeout: 10 * time.Millisecond})
	f.ops.Start(t.Context())
	f.ops.Update(f.pools.PoolState("a"))

	deadline := time.Now().Add(2 * time.Second)
	for f.scanner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.ops.Stop()
	if f.scanner.count() != 1 {
		t.Errorf("сканов = %d, ожидается 1", f.scanner.count())
	}
}
