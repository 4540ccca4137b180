package service

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/executor"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/migration"
	"github.com/arturkryukov/artstore/resilience-module/internal/placement"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolclient"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/repository"
	"github.com/arturkryukov/artstore/resilience-module/internal/selector"
)

const (
	// atlasUnit - две реплики в разных стойках
	atlasUnit = "atlas:raw@osm"
	// cmsUnit - две реплики без ограничений по тегам
	cmsUnit = "cms:raw@osm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testTopology - resilient-группа rg из трёх пулов (pool-a и pool-b в одной
// стойке) и обычный пул plain.
func testTopology() *model.Topology {
	return &model.Topology{
		Pools: []model.TopologyPool{
			{Name: "pool-a", Mode: model.PoolModeEnabled, Tags: map[string]string{"rack": "r1"}},
			{Name: "pool-b", Mode: model.PoolModeEnabled, Tags: map[string]string{"rack": "r1"}},
			{Name: "pool-c", Mode: model.PoolModeEnabled, Tags: map[string]string{"rack": "r2"}},
			{Name: "plain", Mode: model.PoolModeEnabled},
		},
		PoolGroups: []model.TopologyPoolGroup{
			{Name: "rg", Resilient: true, Pools: []string{"pool-a", "pool-b", "pool-c"}},
			{Name: "default", Pools: []string{"plain"}},
		},
		StorageUnits: []model.TopologyStorageUnit{
			{Name: atlasUnit, Required: 2, OneCopyPer: []string{"rack"}, PoolGroups: []string{"rg"}},
			{Name: cmsUnit, Required: 2, PoolGroups: []string{"rg"}},
		},
	}
}

// --- namespace ---

type fakeNamespace struct {
	mu    sync.Mutex
	files map[model.PnfsID]*model.FileAttributes
}

func newFakeNamespace() *fakeNamespace {
	return &fakeNamespace{files: make(map[model.PnfsID]*model.FileAttributes)}
}

// addFile регистрирует файл storage unit class@osm.
func (n *fakeNamespace) addFile(id model.PnfsID, class string, retention model.RetentionPolicy, locations ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.files[id] = &model.FileAttributes{
		PnfsID:          id,
		StorageClass:    class,
		HSM:             "osm",
		RetentionPolicy: retention,
		AccessLatency:   model.LatencyOnline,
		Size:            1024,
		Locations:       locations,
	}
}

func (n *fakeNamespace) setLocations(id model.PnfsID, locations ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if f, ok := n.files[id]; ok {
		f.Locations = locations
	}
}

func (n *fakeNamespace) removeLocation(id model.PnfsID, pool string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if f, ok := n.files[id]; ok {
		f.Locations = slices.DeleteFunc(slices.Clone(f.Locations), func(l string) bool { return l == pool })
	}
}

func (n *fakeNamespace) hasLocation(id model.PnfsID, pool string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.files[id]
	return ok && f.HasLocation(pool)
}

func (n *fakeNamespace) GetFileAttributes(_ context.Context, id model.PnfsID) (*model.FileAttributes, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *f
	c.Locations = slices.Clone(f.Locations)
	return &c, nil
}

func (n *fakeNamespace) GetLocations(_ context.Context, id model.PnfsID) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return slices.Clone(f.Locations), nil
}

func (n *fakeNamespace) ListFilesOnPool(ctx context.Context, pool string, fn func(model.PnfsID) error) error {
	n.mu.Lock()
	var ids []model.PnfsID
	for id, f := range n.files {
		if f.HasLocation(pool) {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

// --- pool RPC ---

// fakeReplicas отвечает по namespace: реплика существует, если пул указан
// в расположениях. overrides задаёт состояние конкретной реплики.
type fakeReplicas struct {
	ns *fakeNamespace

	mu          sync.Mutex
	overrides   map[string]model.ReplicaInfo
	unavailable map[string]bool
	removed     []string
}

func newFakeReplicas(ns *fakeNamespace) *fakeReplicas {
	return &fakeReplicas{
		ns:          ns,
		overrides:   make(map[string]model.ReplicaInfo),
		unavailable: make(map[string]bool),
	}
}

func replicaKey(pool string, id model.PnfsID) string { return string(id) + "@" + pool }

func (r *fakeReplicas) set(pool string, id model.PnfsID, info model.ReplicaInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.Pool = pool
	r.overrides[replicaKey(pool, id)] = info
}

func (r *fakeReplicas) setUnavailable(pool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable[pool] = true
}

func (r *fakeReplicas) removedList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.removed)
}

func (r *fakeReplicas) RemoveReplica(_ context.Context, pool string, id model.PnfsID) error {
	r.mu.Lock()
	if r.unavailable[pool] {
		r.mu.Unlock()
		return poolclient.ErrPoolUnavailable
	}
	r.removed = append(r.removed, replicaKey(pool, id))
	delete(r.overrides, replicaKey(pool, id))
	r.mu.Unlock()

	if !r.ns.hasLocation(id, pool) {
		return poolclient.ErrReplicaNotFound
	}
	r.ns.removeLocation(id, pool)
	return nil
}

func (r *fakeReplicas) ReplicaInfo(_ context.Context, pool string, id model.PnfsID) (model.ReplicaInfo, error) {
	r.mu.Lock()
	if r.unavailable[pool] {
		r.mu.Unlock()
		return model.ReplicaInfo{}, poolclient.ErrPoolUnavailable
	}
	info, ok := r.overrides[replicaKey(pool, id)]
	r.mu.Unlock()
	if ok {
		return info, nil
	}
	return model.ReplicaInfo{Pool: pool, Exists: r.ns.hasLocation(id, pool)}, nil
}

// --- копирование ---

type fakeCopyTask struct {
	req      migration.Request
	canceled atomic.Bool

	mu      sync.Mutex
	relayed []model.CopyFinished
}

func (t *fakeCopyTask) Cancel() { t.canceled.Store(true) }

func (t *fakeCopyTask) Relay(msg model.CopyFinished) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relayed = append(t.relayed, msg)
}

type fakeCopier struct {
	mu    sync.Mutex
	tasks []*fakeCopyTask
}

func (c *fakeCopier) Copy(_ context.Context, req migration.Request) CopyTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeCopyTask{req: req}
	c.tasks = append(c.tasks, t)
	return t
}

func (c *fakeCopier) started() []*fakeCopyTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tasks)
}

// fakeStarter - пул-цель, принимающий запросы миграции.
type fakeStarter struct {
	mu       sync.Mutex
	requests []poolclient.MigrationRequest
	targets  []string
	err      error
}

func (s *fakeStarter) StartMigration(_ context.Context, target string, mr poolclient.MigrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, mr)
	s.targets = append(s.targets, target)
	return nil
}

func (s *fakeStarter) last() (string, poolclient.MigrationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return "", poolclient.MigrationRequest{}, false
	}
	return s.targets[len(s.targets)-1], s.requests[len(s.requests)-1], true
}

// --- staging ---

type fakeStager struct {
	mu       sync.Mutex
	requests []placement.SelectReadPoolRequest
	reply    *model.StagingReply
	err      error
}

func (s *fakeStager) SelectReadPool(_ context.Context, req placement.SelectReadPoolRequest) (*model.StagingReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.reply == nil {
		return nil, nil
	}
	r := *s.reply
	r.PnfsID = req.PnfsID
	return &r, nil
}

func (s *fakeStager) calls() []placement.SelectReadPoolRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// --- окружение обработчика ---

type testEnv struct {
	pools      *poolinfo.Map
	ops        *fileop.Map
	ns         *fakeNamespace
	namespace  *NamespaceAccess
	replicas   *fakeReplicas
	copier     *fakeCopier
	stager     *fakeStager
	tasks      *executor.Pool
	completion *CompletionHandler
	handler    *FileOperationHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithCopier(t, &fakeCopier{})
}

func newTestEnvWithCopier(t *testing.T, copier Copier) *testEnv {
	t.Helper()
	logger := testLogger()

	pools := poolinfo.NewMap()
	pools.Apply(pools.Compare(testTopology()))

	ops := fileop.NewMap(pools, fileop.NewHistory(100, time.Hour),
		fileop.Config{CopyThreads: 10, MaxRetries: 2, Timeout: 50 * time.Millisecond}, logger)
	tasks := executor.New("task", 4, logger)
	t.Cleanup(func() { _ = tasks.Stop(context.Background()) })

	ns := newFakeNamespace()
	env := &testEnv{
		pools:      pools,
		ops:        ops,
		ns:         ns,
		namespace:  NewNamespaceAccess(ns, logger),
		replicas:   newFakeReplicas(ns),
		stager:     &fakeStager{},
		tasks:      tasks,
		completion: NewCompletionHandler(ops, logger),
	}
	if fc, ok := copier.(*fakeCopier); ok {
		env.copier = fc
	}
	env.handler = NewFileOperationHandler(Dependencies{
		Pools:        pools,
		Operations:   ops,
		Namespace:    env.namespace,
		Selector:     selector.NewRandomWithSeed(pools, 1),
		Replicas:     env.replicas,
		Copier:       copier,
		Stager:       env.stager,
		Completion:   env.completion,
		Inaccessible: NewAlarmingInaccessibleHandler(pools, env.completion, logger),
		TaskService:  tasks,
	}, HandlerConfig{}, logger)
	return env
}

// scanned регистрирует операцию принудительно, как полный скан пула.
func (e *testEnv) scanned(t *testing.T, id model.PnfsID, pool string) *fileop.Operation {
	t.Helper()
	update := model.NewFileUpdate(id, pool, model.MessageAddCacheLocation)
	update.Parent = pool
	update.Full = true
	if _, err := e.handler.HandleScannedLocation(context.Background(), update, model.NoIndex); err != nil {
		t.Fatalf("HandleScannedLocation() ошибка: %v", err)
	}
	op, err := e.ops.Operation(id)
	if err != nil {
		t.Fatalf("операция %s не зарегистрирована: %v", id, err)
	}
	return op
}

func (e *testEnv) attributes(t *testing.T, id model.PnfsID) *model.FileAttributes {
	t.Helper()
	attrs, err := e.namespace.RequiredAttributes(context.Background(), id)
	if err != nil {
		t.Fatalf("RequiredAttributes(%s) ошибка: %v", id, err)
	}
	return attrs
}

// waitFor ждёт выполнения условия не дольше timeout.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("условие не выполнено за %v: %s", timeout, msg)
}
