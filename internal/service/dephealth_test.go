package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func placementMock(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	srv := placementMock(t, http.StatusOK)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ds, err := NewDephealthServiceWithRegisterer(
		"test-rs-01", "resilience", nil, "", srv.URL, 5*time.Second, logger, prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_Placement(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"доступна", http.StatusOK, true},
		{"ошибка 500", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := placementMock(t, tt.status)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			ds, err := NewDephealthServiceWithRegisterer(
				"test-rs-02", "resilience", nil, "", srv.URL, time.Second, logger, prometheus.NewRegistry(),
			)
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// интервал 1s + запас на первую проверку
			time.Sleep(3 * time.Second)

			health := ds.Health()
			found := false
			for key, val := range health {
				if strings.HasPrefix(key, "placement-authority:") {
					found = true
					if val != tt.want {
						t.Errorf("placement-authority health = %v для ключа %q, ожидается %v", val, key, tt.want)
					}
				}
			}
			if !found {
				t.Errorf("Нет записи для placement-authority в Health(), keys=%v", healthKeys(health))
			}
		})
	}
}

func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
