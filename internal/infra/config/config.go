// Пакет config отвечает за сбор и предоставление конфигурации супервизора.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения для вывода после инициализации логгера,
//  4. предоставляет потокобезопасный доступ через R/W мьютекс.
//
// Бизнес-контекст: супервизор управляет множеством аккаунтов Telegram через
// дочерние telethon-процессы. Конфиг среды задаёт пути (база настроек, каталог
// сессий, бинарь subprocess-воркера), лимиты и уровни логирования. Настройки
// самих аккаунтов (паттерны, цели, задержки) живут в реляционном хранилище, не здесь.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска процесса; значения проходят минимальную валидацию в loadConfig,
// дальше по месту использования EnvConfig считается согласованным.
type EnvConfig struct {
	DBPath           string // путь к файлу SQLite с настройками и каталогом паттернов
	SessionsDir      string // каталог с per-account директориями сессий
	WorkerBin        string // путь к бинарю telethon-воркера (subprocess)
	GroupsCacheFile  string // bbolt-файл со снимками списков групп
	LogLevel         string
	RequestTimeoutMS int // таймаут одного запроса к subprocess
	StopTimeoutSec   int // сколько ждать корректной остановки воркера
	BulkConcurrency  int // максимум одновременных запусков в bulk-операциях
	SendRPS          int // ограничение исходящих команд (клики/сообщения) на воркера
}

// Config хранит конфигурацию среды. Публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultDBPath           = "data/qmanager.db"
	defaultSessionsDir      = "data/sessions"
	defaultWorkerBin        = "bin/telethon-worker"
	defaultGroupsCacheFile  = "data/groups_cache.bbolt"
	defaultLogLevel         = "info"
	defaultRequestTimeoutMS = 15000
	defaultStopTimeoutSec   = 5
	defaultBulkConcurrency  = 5
	defaultSendRPS          = 1
)

var (
	globalMu sync.RWMutex
	global   *Config
)

// Load читает .env по указанному пути и инициализирует глобальный конфиг.
// Отсутствующий .env не считается ошибкой: берутся значения из окружения процесса
// и значения по умолчанию, а факт отсутствия попадает в warnings.
func Load(envPath string) error {
	cfg := &Config{}

	if err := godotenv.Load(envPath); err != nil {
		cfg.warnings = append(cfg.warnings,
			fmt.Sprintf("config: .env not loaded from %s: %v (using process env and defaults)", envPath, err))
	}

	env, warns := loadConfig()
	cfg.Env = env
	cfg.warnings = append(cfg.warnings, warns...)

	globalMu.Lock()
	global = cfg
	globalMu.Unlock()
	return nil
}

// Env возвращает снимок конфигурации окружения. До Load() — нулевые значения с дефолтами.
func Env() EnvConfig {
	globalMu.RLock()
	cfg := global
	globalMu.RUnlock()
	if cfg == nil {
		env, _ := loadConfig()
		return env
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Env
}

// Warnings возвращает предупреждения, накопленные при чтении окружения.
func Warnings() []string {
	globalMu.RLock()
	cfg := global
	globalMu.RUnlock()
	if cfg == nil {
		return nil
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return append([]string(nil), cfg.warnings...)
}

// loadConfig собирает EnvConfig из переменных окружения с валидацией и дефолтами.
func loadConfig() (EnvConfig, []string) {
	var warns []string

	env := EnvConfig{
		DBPath:           stringOr("QM_DB_PATH", defaultDBPath),
		SessionsDir:      stringOr("QM_SESSIONS_DIR", defaultSessionsDir),
		WorkerBin:        stringOr("QM_WORKER_BIN", defaultWorkerBin),
		GroupsCacheFile:  stringOr("QM_GROUPS_CACHE_FILE", defaultGroupsCacheFile),
		LogLevel:         strings.ToLower(stringOr("QM_LOG_LEVEL", defaultLogLevel)),
		RequestTimeoutMS: intOr("QM_REQUEST_TIMEOUT_MS", defaultRequestTimeoutMS, &warns),
		StopTimeoutSec:   intOr("QM_STOP_TIMEOUT_SEC", defaultStopTimeoutSec, &warns),
		BulkConcurrency:  intOr("QM_BULK_CONCURRENCY", defaultBulkConcurrency, &warns),
		SendRPS:          intOr("QM_SEND_RPS", defaultSendRPS, &warns),
	}

	if env.RequestTimeoutMS <= 0 {
		warns = append(warns, "config: QM_REQUEST_TIMEOUT_MS must be positive, using default")
		env.RequestTimeoutMS = defaultRequestTimeoutMS
	}
	if env.StopTimeoutSec <= 0 {
		warns = append(warns, "config: QM_STOP_TIMEOUT_SEC must be positive, using default")
		env.StopTimeoutSec = defaultStopTimeoutSec
	}
	if env.BulkConcurrency <= 0 {
		warns = append(warns, "config: QM_BULK_CONCURRENCY must be positive, using default")
		env.BulkConcurrency = defaultBulkConcurrency
	}
	if env.SendRPS <= 0 {
		env.SendRPS = defaultSendRPS
	}

	switch env.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		warns = append(warns, fmt.Sprintf("config: unknown QM_LOG_LEVEL %q, using %q", env.LogLevel, defaultLogLevel))
		env.LogLevel = defaultLogLevel
	}

	return env, warns
}

// stringOr возвращает значение переменной окружения или дефолт, если она пуста.
func stringOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// intOr парсит целочисленную переменную окружения; нечисловое значение
// добавляет предупреждение и возвращает дефолт.
func intOr(key string, def int, warns *[]string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*warns = append(*warns, fmt.Sprintf("config: %s=%q is not an integer, using %d", key, v, def))
		return def
	}
	return n
}
