// Пакет placement - HTTP-клиент placement authority (выбор read-пула).
//
// Запрос staging отправляется по принципу "отправил и забыл": ответ 202
// означает, что выбор пула выполняется асинхронно и его результат придёт
// отдельным событием STAGING_REPLY. Ответ 200 содержит результат сразу.
package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

var (
	// ErrUnavailable - placement authority недоступна (сеть, 5xx)
	ErrUnavailable = errors.New("placement authority недоступна")
	// ErrOutOfDate - файл размещён вне resilient-группы, запрос нужно повторить
	ErrOutOfDate = errors.New("выбор пула устарел")
)

// Протокол, от имени которого запрашивается read-пул.
const defaultProtocol = "http/1.1"

// SelectReadPoolRequest - запрос выбора read-пула для файла.
type SelectReadPoolRequest struct {
	PnfsID          model.PnfsID          `json:"pnfsid"`
	StorageClass    string                `json:"storage_class"`
	HSM             string                `json:"hsm,omitempty"`
	RetentionPolicy model.RetentionPolicy `json:"retention_policy"`
	AccessLatency   model.AccessLatency   `json:"access_latency,omitempty"`
	Size            int64                 `json:"size"`
	Locations       []string              `json:"locations"`
	Protocol        string                `json:"protocol"`
	// PoolGroup - группа, в пределах которой нужно выбрать пул
	PoolGroup string `json:"pool_group,omitempty"`
}

// NewSelectReadPoolRequest формирует запрос по атрибутам файла.
func NewSelectReadPoolRequest(attrs *model.FileAttributes, group string) SelectReadPoolRequest {
	return SelectReadPoolRequest{
		PnfsID:          attrs.PnfsID,
		StorageClass:    attrs.StorageClass,
		HSM:             attrs.HSM,
		RetentionPolicy: attrs.RetentionPolicy,
		AccessLatency:   attrs.AccessLatency,
		Size:            attrs.Size,
		Locations:       append([]string(nil), attrs.Locations...),
		Protocol:        defaultProtocol,
		PoolGroup:       group,
	}
}

// Client - HTTP-клиент placement authority.
type Client struct {
	httpClient *http.Client
	baseURL    string
	attempts   uint
	delay      time.Duration
	logger     *slog.Logger
}

// New создаёт клиент. baseURL - адрес placement authority (RS_PLACEMENT_URL).
func New(baseURL string, timeout time.Duration, attempts int, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		attempts:   uint(attempts),
		delay:      200 * time.Millisecond,
		logger:     logger.With(slog.String("component", "placement_client")),
	}
}

// BaseURL возвращает адрес placement authority.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SelectReadPool отправляет запрос выбора read-пула.
// POST /api/v1/read-pools
//
// Возвращает nil, если запрос принят к асинхронной обработке (202),
// иначе - немедленный ответ (200).
func (c *Client) SelectReadPool(ctx context.Context, req SelectReadPoolRequest) (*model.StagingReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса выбора пула: %w", err)
	}
	reqURL := c.baseURL + "/api/v1/read-pools"

	var reply *model.StagingReply
	err = retry.Do(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("создание запроса SelectReadPool: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: запрос SelectReadPool: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
			reply = nil
			return nil
		case http.StatusOK:
			var r model.StagingReply
			if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
				return fmt.Errorf("декодирование ответа SelectReadPool: %w", err)
			}
			if r.PnfsID == "" {
				r.PnfsID = req.PnfsID
			}
			reply = &r
			return nil
		default:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("placement authority вернула статус %d: %s",
				resp.StatusCode, strings.TrimSpace(string(data)))
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return err
		}
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Повтор запроса к placement authority",
				slog.String("pnfsid", string(req.PnfsID)),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Запрос выбора read-пула отправлен",
		slog.String("pnfsid", string(req.PnfsID)),
		slog.String("pool_group", req.PoolGroup),
		slog.Bool("async", reply == nil),
	)
	return reply, nil
}

// ReplyError преобразует код ответа в ошибку: OUT_OF_DATE - ErrOutOfDate.
func ReplyError(reply model.StagingReply) error {
	switch reply.ReturnCode {
	case model.StagingOK:
		return nil
	case model.StagingOutOfDate:
		return fmt.Errorf("%s: %w", reply.PnfsID, ErrOutOfDate)
	default:
		return fmt.Errorf("%s: выбор read-пула завершился с кодом %s", reply.PnfsID, reply.ReturnCode)
	}
}
