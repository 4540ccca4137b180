package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
	"github.com/arturkryukov/artstore/resilience-module/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTopology() *model.Topology {
	return &model.Topology{
		Pools: []model.TopologyPool{
			{Name: "pool-a", Mode: model.PoolModeEnabled},
			{Name: "pool-b", Mode: model.PoolModeEnabled},
			{Name: "plain", Mode: model.PoolModeEnabled},
		},
		PoolGroups: []model.TopologyPoolGroup{
			{Name: "rg", Resilient: true, Pools: []string{"pool-a", "pool-b"}},
			{Name: "default", Pools: []string{"plain"}},
		},
		StorageUnits: []model.TopologyStorageUnit{
			{Name: "cms:raw@osm", Required: 2, PoolGroups: []string{"rg"}},
		},
	}
}

type fakeSink struct {
	mu       sync.Mutex
	messages []service.Message
	err      error
}

func (s *fakeSink) Handle(msg service.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSink) last() service.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

type fakeApplier struct {
	pools   *poolinfo.Map
	applied int
	err     error
}

func (a *fakeApplier) Apply(_ context.Context, t *model.Topology) (*poolinfo.Diff, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.applied++
	diff := a.pools.Compare(t)
	a.pools.Apply(diff)
	return diff, nil
}

func (a *fakeApplier) Initialized() bool { return a.applied > 0 }

type testEnv struct {
	sink    *fakeSink
	applier *fakeApplier
	pools   *poolinfo.Map
	ops     *fileop.Map
	poolOps *poolop.Map
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pools := poolinfo.NewMap()
	pools.Apply(pools.Compare(testTopology()))

	ops := fileop.NewMap(pools, fileop.NewHistory(100, 0), fileop.Config{}, testLogger())
	poolOps := poolop.NewMap(pools, ops, nil, poolop.Config{}, testLogger())
	for _, pool := range pools.ResilientPools() {
		poolOps.Add(pool)
		poolOps.Update(pools.PoolState(pool))
	}

	env := &testEnv{
		sink:    &fakeSink{},
		applier: &fakeApplier{pools: pools},
		pools:   pools,
		ops:     ops,
		poolOps: poolOps,
	}
	h := NewAPIHandler(env.sink, env.applier, ops, poolOps, pools, testLogger())

	r := chi.NewRouter()
	r.Post("/events/location", h.PostLocation)
	r.Post("/events/corrupt", h.PostCorrupt)
	r.Post("/events/qos", h.PostQoS)
	r.Post("/events/staging", h.PostStagingReply)
	r.Post("/events/pool-status", h.PostPoolStatus)
	r.Post("/events/copy-finished", h.PostCopyFinished)
	r.Put("/topology", h.PutTopology)
	r.Get("/operations", h.ListOperations)
	r.Get("/operations/{pnfsid}", h.GetOperation)
	r.Get("/history", h.ListHistory)
	r.Get("/pools", h.ListPools)
	r.Post("/pools/{name}/scan", h.ScanPool)
	r.Post("/pools/{name}/exclude", h.ExcludePool)
	r.Post("/pools/{name}/include", h.IncludePool)
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	return v
}

func TestEvents_Accepted(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want service.Message
	}{
		{
			name: "add location",
			path: "/events/location",
			body: `{"pnfsid":"0001","pool":"pool-a","type":"ADD_CACHE_LOCATION"}`,
			want: service.LocationMessage{PnfsID: "0001", Pool: "pool-a", MsgType: model.MessageAddCacheLocation},
		},
		{
			name: "clear location",
			path: "/events/location",
			body: `{"pnfsid":"0001","pool":"pool-b","type":"CLEAR_CACHE_LOCATION"}`,
			want: service.LocationMessage{PnfsID: "0001", Pool: "pool-b", MsgType: model.MessageClearCacheLocation},
		},
		{
			name: "corrupt",
			path: "/events/corrupt",
			body: `{"pnfsid":"0002","pool":"pool-a"}`,
			want: service.LocationMessage{PnfsID: "0002", Pool: "pool-a", MsgType: model.MessageCorruptFile},
		},
		{
			name: "qos",
			path: "/events/qos",
			body: `{"pnfsid":"0003"}`,
			want: service.LocationMessage{PnfsID: "0003", MsgType: model.MessageQoSModified},
		},
		{
			name: "pool down",
			path: "/events/pool-status",
			body: `{"pool":"pool-a","status":"DOWN"}`,
			want: service.PoolStatusMessage{Pool: "pool-a", MsgType: model.MessagePoolStatusDown},
		},
		{
			name: "pool up rdonly",
			path: "/events/pool-status",
			body: `{"pool":"pool-a","status":"UP","mode":"rdonly"}`,
			want: service.PoolStatusMessage{Pool: "pool-a", MsgType: model.MessagePoolStatusUp, Mode: model.PoolModeReadOnly},
		},
		{
			name: "staging reply",
			path: "/events/staging",
			body: `{"pnfsid":"0004","pool":"pool-b","return_code":"OK"}`,
			want: service.StagingReplyMessage{StagingReply: model.StagingReply{PnfsID: "0004", Pool: "pool-b", ReturnCode: model.StagingOK}},
		},
		{
			name: "copy finished",
			path: "/events/copy-finished",
			body: `{"pnfsid":"0005","task_id":"t1","source":"pool-a","target":"pool-b"}`,
			want: service.CopyFinishedMessage{CopyFinished: model.CopyFinished{PnfsID: "0005", TaskID: "t1", Source: "pool-a", Target: "pool-b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusAccepted {
				t.Fatalf("статус = %d, ожидается %d: %s", w.Code, http.StatusAccepted, w.Body.String())
			}
			if got := env.sink.last(); got != tt.want {
				t.Errorf("сообщение = %#v, ожидается %#v", got, tt.want)
			}
		})
	}
}

func TestEvents_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"не JSON", "/events/location", `{`},
		{"без pool", "/events/location", `{"pnfsid":"0001","type":"ADD_CACHE_LOCATION"}`},
		{"недопустимый тип", "/events/location", `{"pnfsid":"0001","pool":"pool-a","type":"CORRUPT_FILE"}`},
		{"лишнее поле", "/events/qos", `{"pnfsid":"0001","extra":1}`},
		{"недопустимый статус", "/events/pool-status", `{"pool":"pool-a","status":"MAYBE"}`},
		{"недопустимый режим", "/events/pool-status", `{"pool":"pool-a","status":"UP","mode":"offline"}`},
		{"недопустимый код staging", "/events/staging", `{"pnfsid":"0001","return_code":"LATER"}`},
		{"copy finished без task_id", "/events/copy-finished", `{"pnfsid":"0001","target":"pool-b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("статус = %d, ожидается %d", w.Code, http.StatusBadRequest)
			}
			if env.sink.last() != nil {
				t.Error("сообщение не должно передаваться дальше")
			}
		})
	}
}

func TestEvents_SinkErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"не инициализирован", service.ErrNotInitialized, http.StatusConflict},
		{"очередь остановлена", errors.New("executor stopped"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.sink.err = tt.err
			w := env.do(http.MethodPost, "/events/qos", `{"pnfsid":"0001"}`)
			if w.Code != tt.want {
				t.Errorf("статус = %d, ожидается %d", w.Code, tt.want)
			}
		})
	}
}

func TestPutTopology(t *testing.T) {
	env := newTestEnv(t)

	body := `{
		"pools":[{"name":"pool-a","mode":"enabled"},{"name":"pool-b","mode":"enabled"},{"name":"plain","mode":"enabled"}],
		"pool_groups":[{"name":"rg","resilient":true,"pools":["pool-a","pool-b"]},{"name":"default","pools":["plain"]}],
		"storage_units":[{"name":"cms:raw@osm","required":2,"pool_groups":["rg"]}]
	}`
	w := env.do(http.MethodPut, "/topology", body)
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody[topologyResponse](t, w)
	if resp.Changed {
		t.Errorf("changed = true для неизменной топологии, diff: %s", resp.Diff)
	}

	w = env.do(http.MethodPut, "/topology", strings.Replace(body, `"pool-a","pool-b"]`, `"pool-a"]`, 1))
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if resp := decodeBody[topologyResponse](t, w); !resp.Changed {
		t.Error("changed = false после удаления пула из группы")
	}
}

func TestPutTopology_Invalid(t *testing.T) {
	env := newTestEnv(t)
	body := `{"pools":[{"name":"pool-a"}],"pool_groups":[{"name":"rg","pools":["missing"]}]}`
	w := env.do(http.MethodPut, "/topology", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("статус = %d, ожидается %d", w.Code, http.StatusBadRequest)
	}
	if env.applier.applied != 0 {
		t.Error("некорректный снимок не должен применяться")
	}
}

func TestPutTopology_ApplyError(t *testing.T) {
	env := newTestEnv(t)
	env.applier.err = errors.New("boom")
	w := env.do(http.MethodPut, "/topology", `{"pools":[{"name":"pool-a"}]}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("статус = %d, ожидается %d", w.Code, http.StatusInternalServerError)
	}
}

func TestOperations(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []model.PnfsID{"0002", "0001", "0003"} {
		update := model.NewFileUpdate(id, "pool-a", model.MessageAddCacheLocation)
		env.ops.Register(update)
	}

	w := env.do(http.MethodGet, "/operations?state=waiting&limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decodeBody[operationsResponse](t, w)
	if resp.Total != 3 {
		t.Errorf("total = %d, ожидается 3", resp.Total)
	}
	if len(resp.Operations) != 2 || resp.Operations[0].PnfsID != "0001" {
		t.Errorf("operations = %+v, ожидаются 0001 и 0002", resp.Operations)
	}

	w = env.do(http.MethodGet, "/operations/0003", "")
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d", w.Code, http.StatusOK)
	}
	if op := decodeBody[fileop.Snapshot](t, w); op.PnfsID != "0003" {
		t.Errorf("pnfsid = %q, ожидается %q", op.PnfsID, "0003")
	}

	if w := env.do(http.MethodGet, "/operations/ffff", ""); w.Code != http.StatusNotFound {
		t.Errorf("статус = %d, ожидается %d", w.Code, http.StatusNotFound)
	}
}

func TestOperations_InvalidQuery(t *testing.T) {
	env := newTestEnv(t)
	for _, query := range []string{"?state=bogus", "?limit=0", "?limit=abc"} {
		if w := env.do(http.MethodGet, "/operations"+query, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: статус = %d, ожидается %d", query, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHistory_Empty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/history?failed=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"records":[]`) {
		t.Errorf("тело = %s, ожидается пустой список", w.Body.String())
	}
}

func TestPools(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/pools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[poolsResponse](t, w)
	if len(resp.Pools) != 3 {
		t.Fatalf("пулов = %d, ожидается 3", len(resp.Pools))
	}
	for _, p := range resp.Pools {
		resilient := p.Name != "plain"
		if (p.Operation != nil) != resilient {
			t.Errorf("%s: operation = %v, ожидается наличие: %v", p.Name, p.Operation, resilient)
		}
	}
}

func TestPools_ScanAndExclusion(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodPost, "/pools/pool-a/scan", ""); w.Code != http.StatusAccepted {
		t.Errorf("scan: статус = %d, ожидается %d", w.Code, http.StatusAccepted)
	}
	if w := env.do(http.MethodPost, "/pools/plain/scan", ""); w.Code != http.StatusNotFound {
		t.Errorf("scan plain: статус = %d, ожидается %d", w.Code, http.StatusNotFound)
	}

	steps := []struct {
		path    string
		changed bool
	}{
		{"/pools/pool-b/exclude", true},
		{"/pools/pool-b/exclude", false},
		{"/pools/pool-b/include", true},
		{"/pools/pool-b/include", false},
	}
	for _, s := range steps {
		w := env.do(http.MethodPost, s.path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: статус = %d, ожидается %d", s.path, w.Code, http.StatusOK)
		}
		if resp := decodeBody[exclusionResponse](t, w); resp.Changed != s.changed {
			t.Errorf("%s: changed = %v, ожидается %v", s.path, resp.Changed, s.changed)
		}
	}

	for _, info := range env.pools.PoolInfos() {
		if info.Excluded {
			t.Errorf("%s: пул остался исключённым", info.Name)
		}
	}
}
