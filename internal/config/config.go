package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	REST     RESTConfig     `yaml:"rest"`
	WS       WSConfig       `yaml:"ws"`
	State    StateConfig    `yaml:"state"`
	Strategy StrategyConfig `yaml:"strategy"`
	Risk     RiskConfig     `yaml:"risk"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
	Journal  JournalConfig  `yaml:"journal"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

func (w WSConfig) EnabledValue() bool {
	return w.Enabled == nil || *w.Enabled
}

const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

type StateConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

const (
	FillFallbackMarket = "market"
	FillFallbackAbort  = "abort"
)

type StrategyConfig struct {
	// Asset is the base coin traded on both legs, e.g. HYPE.
	Asset string `yaml:"asset"`
	// QuoteAsset is the stable coin held on both ledgers.
	QuoteAsset       string        `yaml:"quote_asset"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	ErrorCooldown    time.Duration `yaml:"error_cooldown"`
	Slippage         float64       `yaml:"slippage"`
	BookLevel        int           `yaml:"book_level"`
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	FillPollMax      time.Duration `yaml:"fill_poll_max"`
	FillFallback     string        `yaml:"fill_fallback"`
	TransferEpsilon  float64       `yaml:"transfer_epsilon"`
	DustBalance      float64       `yaml:"dust_balance"`
}

type RiskConfig struct {
	Interval                time.Duration `yaml:"interval"`
	MarginWarningMultiplier float64       `yaml:"margin_warning_multiplier"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Token                string        `yaml:"token"`
	ChatID               string        `yaml:"chat_id"`
	OperatorEnabled      bool          `yaml:"operator_enabled"`
	OperatorPollInterval time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUsers []int64       `yaml:"operator_allowed_user_ids"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-funding-arb.db"
	}
	if cfg.State.RedisPrefix == "" {
		cfg.State.RedisPrefix = "hl-funding-arb:"
	}
	cfg.Strategy.Asset = strings.TrimSpace(cfg.Strategy.Asset)
	if cfg.Strategy.QuoteAsset == "" {
		cfg.Strategy.QuoteAsset = "USDC"
	}
	if cfg.Strategy.CheckInterval == 0 {
		cfg.Strategy.CheckInterval = time.Hour
	}
	if cfg.Strategy.ErrorCooldown == 0 {
		cfg.Strategy.ErrorCooldown = time.Minute
	}
	if cfg.Strategy.Slippage == 0 {
		cfg.Strategy.Slippage = 0.01
	}
	if cfg.Strategy.BookLevel == 0 {
		cfg.Strategy.BookLevel = 1
	}
	if cfg.Strategy.FillTimeout == 0 {
		cfg.Strategy.FillTimeout = 10 * time.Minute
	}
	if cfg.Strategy.FillPollInterval == 0 {
		cfg.Strategy.FillPollInterval = time.Second
	}
	if cfg.Strategy.FillPollMax == 0 {
		cfg.Strategy.FillPollMax = 30 * time.Second
	}
	if cfg.Strategy.FillFallback == "" {
		cfg.Strategy.FillFallback = FillFallbackMarket
	}
	if cfg.Strategy.TransferEpsilon == 0 {
		cfg.Strategy.TransferEpsilon = 0.0001
	}
	if cfg.Strategy.DustBalance == 0 {
		cfg.Strategy.DustBalance = 1e-6
	}
	if cfg.Risk.Interval == 0 {
		cfg.Risk.Interval = 5 * time.Minute
	}
	if cfg.Risk.MarginWarningMultiplier == 0 {
		cfg.Risk.MarginWarningMultiplier = 1.2
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if password := os.Getenv("HL_REDIS_PASSWORD"); password != "" {
		cfg.State.RedisPassword = password
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_JOURNAL_DSN")); dsn != "" {
		cfg.Journal.DSN = dsn
	}
}

func deriveWSURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Asset == "" {
		return errors.New("strategy.asset is required")
	}
	if cfg.Strategy.CheckInterval < 0 || cfg.Strategy.ErrorCooldown < 0 {
		return errors.New("strategy intervals must be >= 0")
	}
	if cfg.Strategy.Slippage <= 0 || cfg.Strategy.Slippage >= 1 {
		return errors.New("strategy.slippage must be in (0, 1)")
	}
	if cfg.Strategy.BookLevel < 0 {
		return errors.New("strategy.book_level must be >= 0")
	}
	if cfg.Strategy.FillTimeout < 0 || cfg.Strategy.FillPollInterval < 0 || cfg.Strategy.FillPollMax < 0 {
		return errors.New("strategy fill timings must be >= 0")
	}
	switch cfg.Strategy.FillFallback {
	case FillFallbackMarket, FillFallbackAbort:
	default:
		return fmt.Errorf("strategy.fill_fallback must be %q or %q", FillFallbackMarket, FillFallbackAbort)
	}
	if cfg.Strategy.TransferEpsilon < 0 || cfg.Strategy.DustBalance < 0 {
		return errors.New("strategy epsilons must be >= 0")
	}
	if cfg.Risk.Interval < 0 {
		return errors.New("risk.interval must be >= 0")
	}
	if cfg.Risk.MarginWarningMultiplier < 1 {
		return errors.New("risk.margin_warning_multiplier must be >= 1")
	}
	switch cfg.State.Backend {
	case StateBackendSQLite:
	case StateBackendRedis:
		if strings.TrimSpace(cfg.State.RedisAddr) == "" {
			return errors.New("state.redis_addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", cfg.State.Backend)
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}
