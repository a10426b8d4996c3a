package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vitos/spot_averaging/internal/domain"
)

type Config struct {
	Strategy struct {
		Step           decimal.Decimal `yaml:"step"`
		Aggr           decimal.Decimal `yaml:"aggr"`
		TradingEnabled *bool           `yaml:"trading_enabled"`
		CycleDelay     time.Duration   `yaml:"cycle_delay"`
		ErrorDelay     time.Duration   `yaml:"error_delay"`
		RestartDelay   time.Duration   `yaml:"restart_delay"`
		HeartbeatEvery time.Duration   `yaml:"heartbeat_every"`
		WarnCooldown   time.Duration   `yaml:"warn_cooldown"`
	} `yaml:"strategy"`

	// Threads caps concurrent accounts; 0 or less runs one per distinct wallet.
	Threads int `yaml:"threads"`

	Pair struct {
		Base  domain.Token `yaml:"base"`
		Quote domain.Token `yaml:"quote"`
	} `yaml:"pair"`

	Sizing struct {
		Mode   string          `yaml:"mode"`
		Amount decimal.Decimal `yaml:"amount"`
	} `yaml:"sizing"`

	Venue struct {
		RESTEndpoint string        `yaml:"rest_endpoint"`
		WSEndpoint   string        `yaml:"ws_endpoint"`
		ReadRPS      float64       `yaml:"read_rps"`
		WriteRPS     float64       `yaml:"write_rps"`
		Timeout      time.Duration `yaml:"timeout"`
		PriceMaxAge  time.Duration `yaml:"price_max_age"`
	} `yaml:"venue"`

	Accounts []domain.Account `yaml:"accounts"`

	Session struct {
		PauseMin     time.Duration `yaml:"pause_min"`
		PauseMax     time.Duration `yaml:"pause_max"`
		FailurePause time.Duration `yaml:"failure_pause"`
		StartupDelay time.Duration `yaml:"startup_delay"`
		Mode         int           `yaml:"mode"`
	} `yaml:"session"`

	Telegram struct {
		APIURL        string   `yaml:"api_url"`
		BotToken      string   `yaml:"bot_token"`
		ChatIDs       []string `yaml:"chat_ids"`
		ProfitChatIDs []string `yaml:"profit_chat_ids"`
	} `yaml:"telegram"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// Load reads the YAML file, overlays environment variables (a .env file next to the
// binary is honoured) and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy.TradingEnabled == nil {
		enabled := true
		c.Strategy.TradingEnabled = &enabled
	}
	setDuration(&c.Strategy.CycleDelay, 10*time.Second)
	setDuration(&c.Strategy.ErrorDelay, 5*time.Second)
	setDuration(&c.Strategy.RestartDelay, 30*time.Second)
	setDuration(&c.Strategy.HeartbeatEvery, 10*time.Minute)
	setDuration(&c.Strategy.WarnCooldown, 5*time.Minute)

	if c.Pair.Base.Decimals == 0 {
		c.Pair.Base.Decimals = 8
	}
	if c.Pair.Quote.Symbol == "" {
		c.Pair.Quote.Symbol = "USDC"
	}
	if c.Pair.Quote.Decimals == 0 {
		c.Pair.Quote.Decimals = 6
	}
	if c.Sizing.Mode == "" {
		c.Sizing.Mode = "fixed"
	}

	setDuration(&c.Venue.Timeout, 10*time.Second)
	setDuration(&c.Venue.PriceMaxAge, 30*time.Second)
	setDuration(&c.Session.FailurePause, 10*time.Second)
	setDuration(&c.Session.StartupDelay, 3*time.Second)
	if c.Session.PauseMax < c.Session.PauseMin {
		c.Session.PauseMax = c.Session.PauseMin
	}
	if c.Session.Mode == 0 {
		c.Session.Mode = 1
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "bot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets secrets live outside the YAML file. Per-account secrets are read from
// <LABEL>_API_KEY, <LABEL>_API_SECRET and <LABEL>_ENCODED_KEY.
func (c *Config) applyEnv() {
	envStr(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_IDS"); v != "" {
		c.Telegram.ChatIDs = splitList(v)
	}
	if v := os.Getenv("TELEGRAM_PROFIT_CHAT_IDS"); v != "" {
		c.Telegram.ProfitChatIDs = splitList(v)
	}
	envStr(&c.Venue.RESTEndpoint, "VENUE_REST_ENDPOINT")
	envStr(&c.Venue.WSEndpoint, "VENUE_WS_ENDPOINT")
	envStr(&c.Logging.Level, "LOG_LEVEL")
	envStr(&c.Storage.Path, "DB_PATH")
	if v := os.Getenv("THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Threads = n
		}
	}
	if v := os.Getenv("TRADING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Strategy.TradingEnabled = &b
		}
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		prefix := envPrefix(a.Label)
		envStr(&a.APIKey, prefix+"_API_KEY")
		envStr(&a.APISecret, prefix+"_API_SECRET")
		envStr(&a.EncodedKey, prefix+"_ENCODED_KEY")
	}
}

func (c *Config) Validate() error {
	var errs []error
	if !c.Strategy.Step.IsPositive() {
		errs = append(errs, errors.New("strategy.step must be positive"))
	}
	if !c.Strategy.Aggr.IsPositive() {
		errs = append(errs, errors.New("strategy.aggr must be positive"))
	}
	if c.Pair.Base.Symbol == "" || c.Pair.Base.Mint == "" || c.Pair.Quote.Mint == "" {
		errs = append(errs, errors.New("pair.base and pair.quote need symbol and mint"))
	}
	switch c.Sizing.Mode {
	case "fixed", "percent":
		if !c.Sizing.Amount.IsPositive() {
			errs = append(errs, errors.New("sizing.amount must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sizing.mode %q", c.Sizing.Mode))
	}
	if c.Venue.RESTEndpoint == "" {
		errs = append(errs, errors.New("venue.rest_endpoint is required"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.Label == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: label is required", i))
		}
		if seen[a.Label] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate label %q", i, a.Label))
		}
		seen[a.Label] = true
	}
	return errors.Join(errs...)
}

func (c *Config) TradingEnabled() bool {
	return c.Strategy.TradingEnabled == nil || *c.Strategy.TradingEnabled
}

func (c *Config) TradingPair() domain.Pair {
	return domain.Pair{Base: c.Pair.Base, Quote: c.Pair.Quote}
}

func setDuration(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envPrefix(label string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, label))
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
