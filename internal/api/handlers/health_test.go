package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubChecker struct {
	status, message string
}

func (c stubChecker) CheckReady() (string, string) { return c.status, c.message }

type stubInit bool

func (s stubInit) Initialized() bool { return bool(s) }

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	w := httptest.NewRecorder()
	h.HealthLive(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидается %d", w.Code, http.StatusOK)
	}
	resp := decodeBody[healthLiveResponse](t, w)
	if resp.Status != statusOK || resp.Service != serviceName {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name     string
		pg       ReadinessChecker
		topology InitializationChecker
		want     string
		wantCode int
	}{
		{"всё готово", stubChecker{status: statusOK}, stubInit(true), statusOK, http.StatusOK},
		{"нет топологии", stubChecker{status: statusOK}, stubInit(false), statusDegraded, http.StatusOK},
		{"PostgreSQL недоступен", stubChecker{status: statusFail, message: "timeout"}, stubInit(true), statusFail, http.StatusServiceUnavailable},
		{"без проверки PostgreSQL", nil, stubInit(true), statusFail, http.StatusServiceUnavailable},
		{"без обработчика топологии", stubChecker{status: statusOK}, nil, statusDegraded, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.topology)
			w := httptest.NewRecorder()
			h.HealthReady(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if w.Code != tt.wantCode {
				t.Errorf("статус = %d, ожидается %d", w.Code, tt.wantCode)
			}
			if resp := decodeBody[healthReadyResponse](t, w); resp.Status != tt.want {
				t.Errorf("status = %q, ожидается %q", resp.Status, tt.want)
			}
		})
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{statusOK, statusOK}, statusOK},
		{[]string{statusOK, statusDegraded}, statusDegraded},
		{[]string{statusDegraded, statusFail}, statusFail},
		{nil, statusOK},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.in...); got != tt.want {
			t.Errorf("overallStatus(%v) = %q, ожидается %q", tt.in, got, tt.want)
		}
	}
}

func TestGetMetrics(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	w := httptest.NewRecorder()
	h.GetMetrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("статус = %d, ожидается %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("ответ не содержит стандартных метрик Go")
	}
}
