package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
)

type scanResult struct {
	pool     string
	children int
	err      error
}

type fakeReporter struct {
	mu      sync.Mutex
	results []scanResult
}

func (r *fakeReporter) ScanCompleted(pool string, children int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, scanResult{pool: pool, children: children, err: err})
}

func (r *fakeReporter) last() (scanResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return scanResult{}, false
	}
	return r.results[len(r.results)-1], true
}

func newTestScanner(t *testing.T, env *testEnv) (*PoolScanner, *fakeReporter, *executor.Pool) {
	t.Helper()
	updates := executor.New("update", 2, testLogger())
	t.Cleanup(func() { _ = updates.Stop(context.Background()) })
	reporter := &fakeReporter{}
	s := NewPoolScanner(env.handler, env.namespace, updates, testLogger())
	s.SetReporter(reporter)
	return s, reporter, updates
}

func TestPoolScanner_Scan(t *testing.T) {
	tests := []struct {
		name  string
		force bool
		want  int
	}{
		{"только требующие действий", false, 1},
		{"принудительный", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			// 0001 - одна копия, 0002 - две копии в разных стойках
			env.ns.addFile("0001", "atlas:raw", model.RetentionReplica, "pool-a")
			env.ns.addFile("0002", "atlas:raw", model.RetentionReplica, "pool-a", "pool-c")
			env.ns.addFile("0003", "atlas:raw", model.RetentionReplica, "pool-b")
			s, reporter, _ := newTestScanner(t, env)

			group, _ := env.pools.GroupIndex("rg")
			s.StartScan(poolop.ScanRequest{
				Pool:  "pool-a",
				Type:  model.MessagePoolStatusUp,
				Group: group,
				Unit:  model.NoIndex,
				Force: tt.force,
			})

			var res scanResult
			waitFor(t, time.Second, func() bool {
				var ok bool
				res, ok = reporter.last()
				return ok
			}, "завершение скана")

			if res.pool != "pool-a" || res.err != nil {
				t.Fatalf("результат = %+v, ожидается pool-a без ошибки", res)
			}
			if res.children != tt.want {
				t.Errorf("children = %d, ожидается %d", res.children, tt.want)
			}
			if _, err := env.ops.Operation("0003"); err == nil {
				t.Error("файл другого пула попал в скан")
			}
		})
	}
}

func TestPoolScanner_StoppedService(t *testing.T) {
	env := newTestEnv(t)
	s, reporter, updates := newTestScanner(t, env)
	if err := updates.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() ошибка: %v", err)
	}

	s.StartScan(poolop.ScanRequest{Pool: "pool-a", Group: model.NoIndex, Unit: model.NoIndex})

	var res scanResult
	waitFor(t, time.Second, func() bool {
		var ok bool
		res, ok = reporter.last()
		return ok
	}, "отчёт об ошибке")
	if !errors.Is(res.err, executor.ErrStopped) {
		t.Errorf("err = %v, ожидается ErrStopped", res.err)
	}
}

func TestPoolScanner_Cancel(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []model.PnfsID{"0001", "0002", "0003"} {
		env.ns.addFile(id, "atlas:raw", model.RetentionReplica, "pool-a")
	}
	s, reporter, _ := newTestScanner(t, env)

	task := s.StartScan(poolop.ScanRequest{Pool: "pool-a", Group: model.NoIndex, Unit: model.NoIndex})
	task.Cancel()
	task.Cancel()

	waitFor(t, time.Second, func() bool {
		_, ok := reporter.last()
		return ok
	}, "завершение скана после отмены")
}
