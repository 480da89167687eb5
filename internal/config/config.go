package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"perp-strategy/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Roles     RolesConfig     `yaml:"roles"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Vault     VaultConfig     `yaml:"vault"`
	Venue     VenueConfig     `yaml:"venue"`
	Insurance InsuranceConfig `yaml:"insurance"`
	Feed      FeedConfig      `yaml:"feed"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File enables rotating JSON output next to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StateConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	HistoryLimit int    `yaml:"history_limit"`
}

type RolesConfig struct {
	Governance string `yaml:"governance"`
	Strategist string `yaml:"strategist"`
	// Keeper defaults to the address of the keeper key.
	Keeper string `yaml:"keeper"`
}

type StrategyConfig struct {
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	WantSymbol   string `yaml:"want_symbol"`
	WantDecimals uint8  `yaml:"want_decimals"`

	Multiple        uint64 `yaml:"multiple_bps"`
	DebtLower       uint64 `yaml:"debt_lower_bps"`
	DebtUpper       uint64 `yaml:"debt_upper_bps"`
	CollateralLower uint64 `yaml:"collateral_lower_bps"`
	CollateralUpper uint64 `yaml:"collateral_upper_bps"`
	CollateralLimit uint64 `yaml:"collateral_limit_bps"`
	SlippageBps     uint64 `yaml:"slippage_bps"`
	// Dust and DebtThreshold are in whole want units, e.g. "1.5".
	Dust          string `yaml:"dust"`
	FailurePolicy string `yaml:"failure_policy"`

	MinReportDelay    time.Duration `yaml:"min_report_delay"`
	MaxReportDelay    time.Duration `yaml:"max_report_delay"`
	ProfitFactor      uint64        `yaml:"profit_factor"`
	DebtThreshold     string        `yaml:"debt_threshold"`
	NativePriceInWant string        `yaml:"native_price_in_want"`
}

type KeeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// CallCostWei is the gas cost the triggers weigh a call against.
	CallCostWei string `yaml:"call_cost_wei"`
	// ChainID is the EIP-712 domain for snapshot attestations.
	ChainID int64 `yaml:"chain_id"`
	// PrivateKey is normally supplied through PS_KEEPER_KEY.
	PrivateKey string `yaml:"-"`
}

type VaultConfig struct {
	Address      string `yaml:"address"`
	DepositLimit string `yaml:"deposit_limit"`
	DebtRatioBps uint64 `yaml:"debt_ratio_bps"`
	// Seed is minted and deposited by governance at startup so a paper run has capital.
	Seed string `yaml:"seed"`
}

type VenueConfig struct {
	Address          string        `yaml:"address"`
	MarkPrice        string        `yaml:"mark_price"`
	InitialMarginBps uint64        `yaml:"initial_margin_bps"`
	FeeBps           uint64        `yaml:"fee_bps"`
	Liquidity        string        `yaml:"liquidity"`
	FundingRateBps   int64         `yaml:"funding_rate_bps"`
	FundingInterval  time.Duration `yaml:"funding_interval"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type InsuranceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	PremiumBps uint64 `yaml:"premium_bps"`
	MaxReserve string `yaml:"max_reserve"`
	Seed       string `yaml:"seed"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Market         string        `yaml:"market"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
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
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-strategy.db"
	}
	if cfg.State.HistoryLimit == 0 {
		cfg.State.HistoryLimit = 50
	}

	s := &cfg.Strategy
	if s.Name == "" {
		s.Name = "perp-leverage"
	}
	if s.Address == "" {
		s.Address = "0x0000000000000000000000000000000000005701"
	}
	if s.WantSymbol == "" {
		s.WantSymbol = "USDC"
	}
	if s.WantDecimals == 0 {
		s.WantDecimals = 6
	}
	if s.Multiple == 0 {
		s.Multiple = 10_000
	}
	// Bands default to 5% either side of the targets the multiple implies.
	if s.DebtLower == 0 && s.DebtUpper == 0 && s.Multiple < 100_000 {
		r := strategy.TargetDebtRatio(s.Multiple)
		s.DebtLower, s.DebtUpper = r-r/20, r+r/20
	}
	if s.CollateralLower == 0 && s.CollateralUpper == 0 && s.Multiple < 100_000 {
		c := strategy.TargetCollateral(s.Multiple)
		s.CollateralLower, s.CollateralUpper = c-c/20, c+c/20
		if s.CollateralLimit == 0 {
			s.CollateralLimit = c - c/10
		}
	}
	if s.SlippageBps == 0 {
		s.SlippageBps = 50
	}
	if s.Dust == "" {
		s.Dust = "1"
	}
	if s.FailurePolicy == "" {
		s.FailurePolicy = string(strategy.PolicyAbsorb)
	}
	if s.MinReportDelay == 0 {
		s.MinReportDelay = 6 * time.Hour
	}
	if s.MaxReportDelay == 0 {
		s.MaxReportDelay = 7 * 24 * time.Hour
	}
	if s.ProfitFactor == 0 {
		s.ProfitFactor = 100
	}
	if s.DebtThreshold == "" {
		s.DebtThreshold = "1000"
	}
	if s.NativePriceInWant == "" {
		s.NativePriceInWant = "2000"
	}

	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = time.Minute
	}
	if cfg.Keeper.CallCostWei == "" {
		cfg.Keeper.CallCostWei = "1000000000000000"
	}
	if cfg.Keeper.ChainID == 0 {
		cfg.Keeper.ChainID = 1
	}

	if cfg.Vault.Address == "" {
		cfg.Vault.Address = "0x0000000000000000000000000000000000005702"
	}
	if cfg.Vault.DebtRatioBps == 0 {
		cfg.Vault.DebtRatioBps = 10_000
	}

	if cfg.Venue.Address == "" {
		cfg.Venue.Address = "0x0000000000000000000000000000000000005703"
	}
	if cfg.Venue.MarkPrice == "" {
		cfg.Venue.MarkPrice = "1"
	}
	if cfg.Venue.InitialMarginBps == 0 {
		cfg.Venue.InitialMarginBps = 500
	}
	if cfg.Venue.Liquidity == "" {
		cfg.Venue.Liquidity = "100000000"
	}
	if cfg.Venue.FundingInterval == 0 {
		cfg.Venue.FundingInterval = time.Hour
	}
	if cfg.Venue.RetryAttempts == 0 {
		cfg.Venue.RetryAttempts = 5
	}
	if cfg.Venue.RetryBackoff == 0 {
		cfg.Venue.RetryBackoff = 200 * time.Millisecond
	}

	if cfg.Insurance.Address == "" {
		cfg.Insurance.Address = "0x0000000000000000000000000000000000005704"
	}
	if cfg.Insurance.PremiumBps == 0 && cfg.Insurance.Enabled {
		cfg.Insurance.PremiumBps = 1_000
	}

	if cfg.Feed.Market == "" {
		cfg.Feed.Market = "ETH"
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}

	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9102"
	}

	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

// applyEnvOverrides lets secrets stay out of the yaml file.
func applyEnvOverrides(cfg *Config) {
	if v := env("PS_KEEPER_KEY"); v != "" {
		cfg.Keeper.PrivateKey = v
	}
	if v := env("PS_GOVERNANCE_ADDRESS"); v != "" {
		cfg.Roles.Governance = v
	}
	if v := env("PS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := env("PS_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := env("PS_TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func validate(cfg *Config) error {
	if !common.IsHexAddress(cfg.Roles.Governance) {
		return errors.New("roles.governance must be a hex address")
	}
	for name, addr := range map[string]string{
		"roles.strategist": cfg.Roles.Strategist,
		"roles.keeper":     cfg.Roles.Keeper,
		"strategy.address": cfg.Strategy.Address,
		"vault.address":    cfg.Vault.Address,
		"venue.address":    cfg.Venue.Address,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address", name)
		}
	}
	if cfg.Roles.Keeper == "" && cfg.Keeper.PrivateKey == "" {
		return errors.New("roles.keeper or PS_KEEPER_KEY is required")
	}

	s := cfg.Strategy
	if s.Multiple == 0 || s.Multiple >= 100_000 {
		return errors.New("strategy.multiple_bps must be in (0, 100000)")
	}
	if s.DebtLower >= s.DebtUpper {
		return errors.New("strategy.debt_lower_bps must be below debt_upper_bps")
	}
	if r := strategy.TargetDebtRatio(s.Multiple); r < s.DebtLower || r > s.DebtUpper {
		return fmt.Errorf("strategy.debt_band [%d, %d] must contain the target ratio %d", s.DebtLower, s.DebtUpper, r)
	}
	if s.CollateralLower >= s.CollateralUpper {
		return errors.New("strategy.collateral_lower_bps must be below collateral_upper_bps")
	}
	if s.CollateralLimit > s.CollateralLower {
		return errors.New("strategy.collateral_limit_bps must not exceed collateral_lower_bps")
	}
	if s.SlippageBps > 10_000 {
		return errors.New("strategy.slippage_bps must be <= 10000")
	}
	switch strategy.FailurePolicy(s.FailurePolicy) {
	case strategy.PolicyAbsorb, strategy.PolicyStrict:
	default:
		return fmt.Errorf("strategy.failure_policy %q is not absorb or strict", s.FailurePolicy)
	}
	if s.MinReportDelay > s.MaxReportDelay {
		return errors.New("strategy.min_report_delay exceeds max_report_delay")
	}
	for name, raw := range map[string]string{
		"strategy.dust":                 s.Dust,
		"strategy.debt_threshold":       s.DebtThreshold,
		"strategy.native_price_in_want": s.NativePriceInWant,
		"venue.mark_price":              cfg.Venue.MarkPrice,
		"venue.liquidity":               cfg.Venue.Liquidity,
	} {
		if err := nonNegativeDecimal(name, raw); err != nil {
			return err
		}
	}
	for name, raw := range map[string]string{
		"vault.deposit_limit":   cfg.Vault.DepositLimit,
		"vault.seed":            cfg.Vault.Seed,
		"insurance.max_reserve": cfg.Insurance.MaxReserve,
		"insurance.seed":        cfg.Insurance.Seed,
	} {
		if raw == "" {
			continue
		}
		if err := nonNegativeDecimal(name, raw); err != nil {
			return err
		}
	}
	if cfg.Vault.DebtRatioBps > 10_000 {
		return errors.New("vault.debt_ratio_bps must be <= 10000")
	}
	if cfg.Venue.InitialMarginBps > 10_000 {
		return errors.New("venue.initial_margin_bps must be <= 10000")
	}
	if strategy.TargetCollateral(s.Multiple) < cfg.Venue.InitialMarginBps {
		return errors.New("strategy.multiple_bps leaves collateral below venue.initial_margin_bps")
	}
	if cfg.Insurance.PremiumBps > 10_000 {
		return errors.New("insurance.premium_bps must be <= 10000")
	}
	if cfg.Feed.Enabled && strings.TrimSpace(cfg.Feed.URL) == "" {
		return errors.New("feed.url is required when the feed is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn or PS_TIMESCALE_DSN is required when timescale is enabled")
	}
	return nil
}

func nonNegativeDecimal(name, raw string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() {
		return fmt.Errorf("%s must be >= 0", name)
	}
	return nil
}
