// Пакет poolclient - HTTP-клиент для взаимодействия с пулами.
// Поддерживает TLS с кастомным CA (RS_POOL_CA_CERT_PATH).
// Операции: RemoveReplica (DELETE /api/v1/replicas/{pnfsid}),
// ReplicaInfo (GET /api/v1/replicas/{pnfsid}),
// StartMigration (POST /api/v1/migrations на пуле-цели).
// Сетевые ошибки и 5xx повторяются через retry-go.
package poolclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/arturkryukov/artstore/resilience-module/internal/domain/model"
)

var (
	// ErrReplicaNotFound - реплики файла на пуле нет
	ErrReplicaNotFound = errors.New("реплика не найдена")
	// ErrReplicaBroken - реплика на пуле повреждена
	ErrReplicaBroken = errors.New("реплика повреждена")
	// ErrPoolUnavailable - пул недоступен (сеть, 5xx, неизвестный адрес)
	ErrPoolUnavailable = errors.New("пул недоступен")
)

// URLResolver возвращает базовый URL пула по имени.
type URLResolver func(pool string) (string, bool)

// MigrationRequest - запрос пулу-цели на копирование реплики с источника.
type MigrationRequest struct {
	TaskID    string       `json:"task_id"`
	PnfsID    model.PnfsID `json:"pnfsid"`
	Source    string       `json:"source"`
	SourceURL string       `json:"source_url"`
	Size      int64        `json:"size"`
	// Sticky - установить на новой реплике системный sticky-флаг
	Sticky bool `json:"sticky"`
}

// Config - параметры клиента.
type Config struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// CACertPath - путь к CA-сертификату для TLS (пусто - системный пул)
	CACertPath string
}

// Client - HTTP-клиент пулов.
type Client struct {
	httpClient *http.Client
	resolve    URLResolver
	attempts   uint
	delay      time.Duration
	logger     *slog.Logger
}

// New создаёт клиент пулов.
func New(cfg Config, resolve URLResolver, logger *slog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	if cfg.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата пулов: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат пулов добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	return &Client{
		httpClient: httpClient,
		resolve:    resolve,
		attempts:   uint(cfg.RetryAttempts),
		delay:      cfg.RetryDelay,
		logger:     logger.With(slog.String("component", "pool_client")),
	}, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// RemoveReplica удаляет реплику файла с пула.
// Отсутствующая реплика возвращает ErrReplicaNotFound.
func (c *Client) RemoveReplica(ctx context.Context, pool string, pnfsID model.PnfsID) error {
	reqURL, err := c.replicaURL(pool, pnfsID)
	if err != nil {
		return err
	}

	return c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
		if err != nil {
			return fmt.Errorf("создание запроса RemoveReplica: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: запрос RemoveReplica к %s: %v", ErrPoolUnavailable, pool, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s на %s: %w", pnfsID, pool, ErrReplicaNotFound)
		default:
			return statusError(pool, "RemoveReplica", resp)
		}
	})
}

// ReplicaInfo запрашивает состояние реплики файла на пуле.
// Отсутствие реплики не является ошибкой: Exists = false.
func (c *Client) ReplicaInfo(ctx context.Context, pool string, pnfsID model.PnfsID) (model.ReplicaInfo, error) {
	info := model.ReplicaInfo{Pool: pool}
	reqURL, err := c.replicaURL(pool, pnfsID)
	if err != nil {
		return info, err
	}

	err = c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("создание запроса ReplicaInfo: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: запрос ReplicaInfo к %s: %v", ErrPoolUnavailable, pool, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return fmt.Errorf("декодирование ReplicaInfo от %s: %w", pool, err)
			}
			info.Pool = pool
			return nil
		case http.StatusNotFound:
			info.Exists = false
			return nil
		default:
			return statusError(pool, "ReplicaInfo", resp)
		}
	})
	return info, err
}

// StartMigration отправляет пулу-цели запрос на копирование.
// Завершение копирования пул сообщает отдельным уведомлением.
// 404 означает отсутствие реплики на источнике, 409 - её повреждение.
func (c *Client) StartMigration(ctx context.Context, target string, mr MigrationRequest) error {
	base, ok := c.resolve(target)
	if !ok || base == "" {
		return fmt.Errorf("%w: адрес пула %s неизвестен", ErrPoolUnavailable, target)
	}
	if mr.SourceURL == "" {
		if src, ok := c.resolve(mr.Source); ok {
			mr.SourceURL = normalizeURL(src)
		}
	}
	body, err := json.Marshal(mr)
	if err != nil {
		return fmt.Errorf("сериализация запроса миграции: %w", err)
	}
	reqURL := normalizeURL(base) + "/api/v1/migrations"

	return c.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("создание запроса StartMigration: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: запрос StartMigration к %s: %v", ErrPoolUnavailable, target, err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted, http.StatusOK, http.StatusCreated:
			return nil
		case http.StatusNotFound:
			return fmt.Errorf("источник %s: %s: %w", mr.Source, mr.PnfsID, ErrReplicaNotFound)
		case http.StatusConflict:
			return fmt.Errorf("%s на %s: %w", mr.PnfsID, mr.Source, ErrReplicaBroken)
		default:
			return statusError(target, "StartMigration", resp)
		}
	})
}

// do выполняет запрос с повторами; повторяются только ошибки ErrPoolUnavailable.
func (c *Client) do(ctx context.Context, fn retry.RetryableFunc) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrPoolUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Повтор запроса к пулу",
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err),
			)
		}),
	)
}

func (c *Client) replicaURL(pool string, pnfsID model.PnfsID) (string, error) {
	base, ok := c.resolve(pool)
	if !ok || base == "" {
		return "", fmt.Errorf("%w: адрес пула %s неизвестен", ErrPoolUnavailable, pool)
	}
	return normalizeURL(base) + "/api/v1/replicas/" + url.PathEscape(string(pnfsID)), nil
}

// statusError преобразует неуспешный ответ пула в ошибку.
// 5xx считаются недоступностью пула и повторяются.
func statusError(pool, op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("пул %s %s вернул статус %d: %s", pool, op, resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return err
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
