// Пакет handlers - HTTP-обработчики Resilience Module: приём событий,
// снимков топологии и просмотр состояния операций.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/arturkryukov/artstore/resilience-module/internal/fileop"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolinfo"
	"github.com/arturkryukov/artstore/resilience-module/internal/poolop"
	"github.com/arturkryukov/artstore/resilience-module/internal/service"
)

// Максимальный размер тела запроса (снимок топологии крупнейший).
const maxBodyBytes = 8 << 20

// Параметры листинга.
const (
	defaultLimit = 100
	maxLimit     = 1000
)

// MessageSink принимает входящие сообщения (реализуется service.MessageHandler).
type MessageSink interface {
	Handle(msg service.Message) error
}

// APIHandler - обработчики API.
type APIHandler struct {
	messages MessageSink
	topology TopologyApplier
	ops      *fileop.Map
	poolOps  *poolop.Map
	pools    *poolinfo.Map
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAPIHandler создаёт обработчики API.
func NewAPIHandler(messages MessageSink, topology TopologyApplier, ops *fileop.Map,
	poolOps *poolop.Map, pools *poolinfo.Map, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		messages: messages,
		topology: topology,
		ops:      ops,
		poolOps:  poolOps,
		pools:    pools,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "api-handler")),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decode читает JSON-тело и проверяет теги validate.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("некорректный запрос: %w", err)
	}
	return nil
}

// parseLimit разбирает параметр limit: по умолчанию defaultLimit, не больше maxLimit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit: ожидается положительное целое, получено %q", raw)
	}
	return min(limit, maxLimit), nil
}
