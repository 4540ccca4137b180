// Пакет config - загрузка и валидация конфигурации Resilience Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Resilience Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL (namespace + checkpoint) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Внешние сервисы ---

	// Базовый URL placement authority (выбор read-пула, staging)
	PlacementURL string
	// Таймаут RPC к пулам и placement authority
	PoolClientTimeout time.Duration
	// Количество попыток RPC (retry-go)
	RPCRetryAttempts int
	// Максимальное ожидание сообщения о завершении копирования
	CopyTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с пулами (опционально)
	PoolCACertPath string

	// --- JWT (пустой JWKS URL отключает аутентификацию) ---

	JWKSURL             string
	JWTIssuer           string
	JWKSRefreshInterval time.Duration

	// --- Файловые операции ---

	// Максимум повторов задачи до поиска нового источника/цели
	MaxRetries int
	// Максимум одновременно выполняемых файловых задач
	CopyThreads int
	// Доля слотов, отдаваемая одной очереди, когда обе непусты
	MaxAllocation float64
	// Интервал между проходами обработчика очередей
	FileOperationTimeout time.Duration
	// Задержка перед верификацией операции
	LaunchDelay time.Duration
	// Размер пула обработки входящих сообщений
	UpdateThreads int
	// Размер пула задач миграции/удаления/staging
	TaskThreads int
	// Период сохранения операций в БД
	CheckpointInterval time.Duration
	// Размер и время жизни истории завершённых операций
	HistorySize int
	HistoryTTL  time.Duration

	// --- Пулы ---

	PoolScanWindow         time.Duration
	PoolMaxConcurrentScans int
	PoolDownGracePeriod    time.Duration
	PoolRestartGracePeriod time.Duration
	PoolOperationTimeout   time.Duration
	PoolWatchdog           bool

	// --- Топология ---

	// Путь к YAML-снимку топологии (опционально, отслеживается fsnotify)
	TopologyFile string
	// Максимальный интервал между снимками топологии
	TopologyTimeout time.Duration
	// Минимальный интервал между повторными алармами watchdog
	AlarmInterval time.Duration

	// --- Мониторинг зависимостей ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// RS_PORT - порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("RS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("RS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("RS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("RS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("RS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("RS_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("RS_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("RS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("RS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("RS_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("RS_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("RS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("RS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("RS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("RS_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("RS_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("RS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("RS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Внешние сервисы ---

	if cfg.PlacementURL, err = getEnvRequired("RS_PLACEMENT_URL"); err != nil {
		return nil, err
	}
	cfg.PlacementURL = strings.TrimRight(cfg.PlacementURL, "/")

	if cfg.PoolClientTimeout, err = getEnvDuration("RS_POOL_CLIENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("RS_POOL_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.RPCRetryAttempts, err = getEnvInt("RS_RPC_RETRY_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("RS_RPC_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.RPCRetryAttempts < 1 {
		return nil, fmt.Errorf("RS_RPC_RETRY_ATTEMPTS: значение %d должно быть >= 1", cfg.RPCRetryAttempts)
	}
	if cfg.CopyTimeout, err = getEnvDuration("RS_COPY_TIMEOUT", time.Hour); err != nil {
		return nil, fmt.Errorf("RS_COPY_TIMEOUT: %w", err)
	}
	cfg.PoolCACertPath = getEnvDefault("RS_POOL_CA_CERT_PATH", "")

	// --- JWT ---

	cfg.JWKSURL = getEnvDefault("RS_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("RS_JWT_ISSUER", "")
	if cfg.JWKSRefreshInterval, err = getEnvDuration("RS_JWKS_REFRESH_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("RS_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Файловые операции ---

	if cfg.MaxRetries, err = getEnvInt("RS_MAX_RETRIES", 2); err != nil {
		return nil, fmt.Errorf("RS_MAX_RETRIES: %w", err)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("RS_MAX_RETRIES: значение %d должно быть >= 0", cfg.MaxRetries)
	}
	if cfg.CopyThreads, err = getEnvInt("RS_COPY_THREADS", 200); err != nil {
		return nil, fmt.Errorf("RS_COPY_THREADS: %w", err)
	}
	if cfg.CopyThreads < 1 {
		return nil, fmt.Errorf("RS_COPY_THREADS: значение %d должно быть >= 1", cfg.CopyThreads)
	}
	if cfg.MaxAllocation, err = getEnvFloat("RS_MAX_ALLOCATION", 0.8); err != nil {
		return nil, fmt.Errorf("RS_MAX_ALLOCATION: %w", err)
	}
	if cfg.MaxAllocation <= 0 || cfg.MaxAllocation > 1 {
		return nil, fmt.Errorf("RS_MAX_ALLOCATION: значение %g вне диапазона (0, 1]", cfg.MaxAllocation)
	}
	if cfg.FileOperationTimeout, err = getEnvDuration("RS_FILE_OPERATION_TIMEOUT", time.Minute); err != nil {
		return nil, fmt.Errorf("RS_FILE_OPERATION_TIMEOUT: %w", err)
	}
	if cfg.LaunchDelay, err = getEnvDuration("RS_LAUNCH_DELAY", 0); err != nil {
		return nil, fmt.Errorf("RS_LAUNCH_DELAY: %w", err)
	}
	if cfg.UpdateThreads, err = getEnvInt("RS_UPDATE_THREADS", 32); err != nil {
		return nil, fmt.Errorf("RS_UPDATE_THREADS: %w", err)
	}
	if cfg.TaskThreads, err = getEnvInt("RS_TASK_THREADS", 64); err != nil {
		return nil, fmt.Errorf("RS_TASK_THREADS: %w", err)
	}
	if cfg.UpdateThreads < 1 || cfg.TaskThreads < 1 {
		return nil, fmt.Errorf("RS_UPDATE_THREADS/RS_TASK_THREADS: значения должны быть >= 1")
	}
	if cfg.CheckpointInterval, err = getEnvDuration("RS_CHECKPOINT_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("RS_CHECKPOINT_INTERVAL: %w", err)
	}
	if cfg.HistorySize, err = getEnvInt("RS_HISTORY_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("RS_HISTORY_SIZE: %w", err)
	}
	if cfg.HistoryTTL, err = getEnvDuration("RS_HISTORY_TTL", time.Hour); err != nil {
		return nil, fmt.Errorf("RS_HISTORY_TTL: %w", err)
	}

	// --- Пулы ---

	if cfg.PoolScanWindow, err = getEnvDuration("RS_POOL_SCAN_WINDOW", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("RS_POOL_SCAN_WINDOW: %w", err)
	}
	if cfg.PoolMaxConcurrentScans, err = getEnvInt("RS_POOL_MAX_CONCURRENT_SCANS", 5); err != nil {
		return nil, fmt.Errorf("RS_POOL_MAX_CONCURRENT_SCANS: %w", err)
	}
	if cfg.PoolDownGracePeriod, err = getEnvDuration("RS_POOL_DOWN_GRACE_PERIOD", time.Hour); err != nil {
		return nil, fmt.Errorf("RS_POOL_DOWN_GRACE_PERIOD: %w", err)
	}
	if cfg.PoolRestartGracePeriod, err = getEnvDuration("RS_POOL_RESTART_GRACE_PERIOD", 6*time.Hour); err != nil {
		return nil, fmt.Errorf("RS_POOL_RESTART_GRACE_PERIOD: %w", err)
	}
	if cfg.PoolOperationTimeout, err = getEnvDuration("RS_POOL_OPERATION_TIMEOUT", time.Minute); err != nil {
		return nil, fmt.Errorf("RS_POOL_OPERATION_TIMEOUT: %w", err)
	}
	if cfg.PoolWatchdog, err = getEnvBool("RS_POOL_WATCHDOG", true); err != nil {
		return nil, fmt.Errorf("RS_POOL_WATCHDOG: %w", err)
	}

	// --- Топология ---

	cfg.TopologyFile = getEnvDefault("RS_TOPOLOGY_FILE", "")
	if cfg.TopologyTimeout, err = getEnvDuration("RS_TOPOLOGY_TIMEOUT", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("RS_TOPOLOGY_TIMEOUT: %w", err)
	}
	if cfg.AlarmInterval, err = getEnvDuration("RS_ALARM_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("RS_ALARM_INTERVAL: %w", err)
	}

	// --- Мониторинг зависимостей ---

	cfg.DephealthGroup = getEnvDefault("RS_DEPHEALTH_GROUP", "resilience")
	if cfg.DephealthCheckInterval, err = getEnvDuration("RS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("RS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	if cfg.ShutdownTimeout, err = getEnvDuration("RS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("RS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для метрик dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// AuthEnabled сообщает, включена ли JWT-аутентификация входящих запросов.
func (c *Config) AuthEnabled() bool {
	return c.JWKSURL != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает значение с плавающей точкой или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает логическое значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
