package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	LedgerMySQL = "mysql"
	LedgerRedis = "redis"
)

const (
	defaultHTTPAddr      = ":8080"
	defaultGRPCAddr      = ":50051"
	defaultMySQLDSN      = "root:root@tcp(localhost:3306)/grocery?parseTime=true"
	defaultOrderTopic    = "grocery.orders"
	defaultAlarmTopic    = "grocery.inventory-alarms"
	defaultAttempts      = 3
	defaultBaseDelay     = 50 * time.Millisecond
	defaultLedgerTimeout = 2 * time.Second
	defaultLogLevel      = "info"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	MySQLDSN      string
	LedgerBackend string
	RedisAddr     string

	KafkaBrokers []string
	OrderTopic   string
	AlarmTopic   string

	ReserveAttempts int
	RetryBaseDelay  time.Duration
	LedgerTimeout   time.Duration

	LogLevel string
}

// Load reads configuration from the environment. Missing values fall back
// to local-development defaults; malformed values are an error.
func Load(log *slog.Logger) (Config, error) {
	return load(os.LookupEnv, log)
}

func load(lookup func(string) (string, bool), log *slog.Logger) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		HTTPAddr:      defaultHTTPAddr,
		GRPCAddr:      defaultGRPCAddr,
		MySQLDSN:      get("MYSQL_DSN"),
		LedgerBackend: strings.ToLower(get("LEDGER_BACKEND")),
		RedisAddr:     get("REDIS_ADDR"),
		KafkaBrokers:  parseCSV(get("KAFKA_BROKERS")),
		OrderTopic:    get("KAFKA_ORDER_TOPIC"),
		AlarmTopic:    get("KAFKA_ALARM_TOPIC"),
		LogLevel:      get("LOG_LEVEL"),
	}

	if v := get("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if port := get("PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	if v, ok := lookup("GRPC_ADDR"); ok {
		cfg.GRPCAddr = strings.TrimSpace(v)
	}
	if cfg.MySQLDSN == "" {
		log.Warn("MYSQL_DSN not set, using default local DSN")
		cfg.MySQLDSN = defaultMySQLDSN
	}
	if cfg.LedgerBackend == "" {
		cfg.LedgerBackend = LedgerMySQL
	}
	if cfg.OrderTopic == "" {
		cfg.OrderTopic = defaultOrderTopic
	}
	if cfg.AlarmTopic == "" {
		cfg.AlarmTopic = defaultAlarmTopic
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	var err error
	if cfg.ReserveAttempts, err = intOr(get("RESERVE_ATTEMPTS"), defaultAttempts); err != nil {
		return Config{}, fmt.Errorf("RESERVE_ATTEMPTS: %w", err)
	}
	if cfg.RetryBaseDelay, err = durationOr(get("RETRY_BASE_DELAY"), defaultBaseDelay); err != nil {
		return Config{}, fmt.Errorf("RETRY_BASE_DELAY: %w", err)
	}
	if cfg.LedgerTimeout, err = durationOr(get("LEDGER_OP_TIMEOUT"), defaultLedgerTimeout); err != nil {
		return Config{}, fmt.Errorf("LEDGER_OP_TIMEOUT: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LedgerBackend {
	case LedgerMySQL:
	case LedgerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.ReserveAttempts < 1 {
		return fmt.Errorf("RESERVE_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay <= 0 || c.LedgerTimeout <= 0 {
		return fmt.Errorf("retry delay and ledger timeout must be positive")
	}
	return nil
}

func intOr(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func durationOr(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

func parseCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
