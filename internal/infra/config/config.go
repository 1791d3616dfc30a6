// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (userbot-приёмник банковских чеков). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет потокобезопасный доступ к результатам.
//
// Бизнес-контекст: конфиг среды управляет подключением к Telegram API,
// путём до SQLite-базы транзакций, ключом OpenAI для GPT-фоллбеков парсера,
// интервалом догоняющего опроса мониторов, размером пула воркеров и прочими
// «ручками» конвейера обработки чеков.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"receiptbot/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учетные данные MTProto, файлы сессии и состояния, база данных,
// ключ OpenAI, параметры конвейера и веб-сервера.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID        int
	APIHash      string
	SessionFile  string
	StateFile    string
	PeersFile    string
	DatabaseFile string
	FilesDir     string
	ChatTimezone string
	LogLevel     string
	ThrottleRPS  int
	TestDC       bool
	// OpenAI
	OpenAIAPIKey string
	OpenAIModel  string
	// Конвейер обработки чеков
	CatchupIntervalSec int
	Workers            int
	QueueCapacity      int
	RegexConfidence    float64
	ResolverConfidence float64
	DownloadTimeoutSec int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Web Server
	WebServerAddress string
	WebAuthToken     string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфигурация
// не мутирует, поэтому снаружи её можно читать без дополнительной синхронизации.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS        = 1
	defaultLogLevel           = "info"
	defaultSessionFile        = "data/session.bin"
	defaultStateFile          = "data/state.bbolt"
	defaultPeersFile          = "data/peers.bbolt"
	defaultDatabaseFile       = "data/receipts.db"
	defaultFilesDir           = "data/files"
	defaultChatTimezone       = "Asia/Tashkent"
	defaultOpenAIModel        = "gpt-4o-mini"
	defaultCatchupInterval    = 45
	minCatchupInterval        = 15
	defaultWorkers            = 2
	defaultQueueCapacity      = 256
	defaultRegexConfidence    = 0.8
	defaultResolverConfidence = 0.75
	defaultDownloadTimeout    = 60
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	// Web Server
	defaultWebServerAddress = "127.0.0.1:8080"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// ChatLocation — таймзона, в которой интерпретируются даты внутри текстов чеков
// (банковские SMS и выписки не несут смещения). Заполняется в Load.
var ChatLocation *time.Location

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат в
// singleton cfgInstance. Повторный вызов запрещен (возвращается ошибка), чтобы
// избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	cfgInstance = newCfg
	cfgDone = true
	return err
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	var warnings []string

	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	sessionFile := sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)
	peersFile := sanitizeFile("PEERS_FILE", os.Getenv("PEERS_FILE"), defaultPeersFile, &warnings)
	databaseFile := sanitizeFile("DATABASE_FILE", os.Getenv("DATABASE_FILE"), defaultDatabaseFile, &warnings)
	filesDir := sanitizeFile("FILES_DIR", os.Getenv("FILES_DIR"), defaultFilesDir, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	chatTimezone := sanitizeTimezoneFlexible(os.Getenv("CHAT_TIMEZONE"), defaultChatTimezone, &warnings)

	openAIKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if openAIKey == "" {
		appendWarningf(&warnings,
			"env OPENAI_API_KEY is not set; GPT parsing and operator resolution fallbacks are disabled")
	}
	openAIModel := sanitizeFile("OPENAI_MODEL", os.Getenv("OPENAI_MODEL"), defaultOpenAIModel, &warnings)

	catchupInterval := parseIntDefault("CATCHUP_INTERVAL_SEC", defaultCatchupInterval, greaterThanZero, &warnings)
	if catchupInterval < minCatchupInterval {
		appendWarningf(&warnings, "env CATCHUP_INTERVAL_SEC value %d is below the floor %d; clamped",
			catchupInterval, minCatchupInterval)
		catchupInterval = minCatchupInterval
	}
	workers := parseIntDefault("WORKERS", defaultWorkers, greaterThanZero, &warnings)
	queueCapacity := parseIntDefault("QUEUE_CAPACITY", defaultQueueCapacity, greaterThanZero, &warnings)
	regexConfidence := parseFloatDefault("REGEX_CONFIDENCE_THRESHOLD", defaultRegexConfidence, unitInterval, &warnings)
	resolverConfidence := parseFloatDefault("RESOLVER_CONFIDENCE_THRESHOLD",
		defaultResolverConfidence, unitInterval, &warnings)
	downloadTimeout := parseIntDefault("DOWNLOAD_TIMEOUT_SEC", defaultDownloadTimeout, greaterThanZero, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)
	webServerAddress := sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)
	webAuthToken := strings.TrimSpace(os.Getenv("WEB_AUTH_TOKEN"))
	if webAuthToken == "" {
		appendWarningf(&warnings,
			"env WEB_AUTH_TOKEN is not set; the admin API accepts unauthenticated requests")
	}

	ChatLocation, err = timeutil.ParseLocation(chatTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_TIMEZONE %q: %w", chatTimezone, err)
	}

	env := EnvConfig{
		APIID:        apiID,
		APIHash:      apiHash,
		SessionFile:  sessionFile,
		StateFile:    stateFile,
		PeersFile:    peersFile,
		DatabaseFile: databaseFile,
		FilesDir:     filesDir,
		ChatTimezone: chatTimezone,
		LogLevel:     logLevel,
		ThrottleRPS:  throttleRPS,
		TestDC:       testDC,
		// OpenAI
		OpenAIAPIKey: openAIKey,
		OpenAIModel:  openAIModel,
		// Конвейер обработки чеков
		CatchupIntervalSec: catchupInterval,
		Workers:            workers,
		QueueCapacity:      queueCapacity,
		RegexConfidence:    regexConfidence,
		ResolverConfidence: resolverConfidence,
		DownloadTimeoutSec: downloadTimeout,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
		// Web Server
		WebServerAddress: webServerAddress,
		WebAuthToken:     webAuthToken,
	}

	cfg := &Config{
		Env:      env,
		warnings: warnings,
	}

	return cfg, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault читает name как float64 по тем же правилам, что и parseIntDefault.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %g", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative / unitInterval — простые валидаторы чисел.
// Используются в parse*Default, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool  { return v > 0 }
func nonNegative(v int) bool      { return v >= 0 }
func unitInterval(v float64) bool { return v >= 0 && v <= 1 }

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal и пишет предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное строковое значение конфигурации. Если переменная
// не задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA-зона или UTC-смещение.
// При неудаче возвращает значение по умолчанию и добавляет предупреждение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env CHAT_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
