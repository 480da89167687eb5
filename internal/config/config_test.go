package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"perp-strategy/internal/strategy"
)

const minimalYAML = `
roles:
  governance: "0x00000000000000000000000000000000000000a1"
  keeper: "0x00000000000000000000000000000000000000a2"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Strategy
	if s.Multiple != 10_000 || s.SlippageBps != 50 || s.FailurePolicy != string(strategy.PolicyAbsorb) {
		t.Fatalf("unexpected strategy defaults %+v", s)
	}
	if s.DebtLower != 9_500 || s.DebtUpper != 10_500 {
		t.Fatalf("expected debt band 9500..10500, got %d..%d", s.DebtLower, s.DebtUpper)
	}
	c := strategy.TargetCollateral(10_000)
	if s.CollateralLower != c-c/20 || s.CollateralUpper != c+c/20 || s.CollateralLimit != c-c/10 {
		t.Fatalf("unexpected collateral band %d..%d limit %d", s.CollateralLower, s.CollateralUpper, s.CollateralLimit)
	}
	if s.MinReportDelay != 6*time.Hour || s.MaxReportDelay != 7*24*time.Hour {
		t.Fatalf("unexpected report delays %v %v", s.MinReportDelay, s.MaxReportDelay)
	}
	if !cfg.Metrics.EnabledValue() || cfg.Metrics.Address != ":9102" {
		t.Fatalf("expected metrics on :9102, got %+v", cfg.Metrics)
	}
	if cfg.Venue.RetryAttempts != 5 || cfg.Venue.RetryBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected retry defaults %+v", cfg.Venue)
	}
	if cfg.Log.MaxSizeMB != 0 {
		t.Fatalf("expected rotation settings to stay unset without a log file")
	}
}

func TestBandDefaultsFollowMultiple(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{Multiple: 20_000}}
	applyDefaults(cfg)
	r := strategy.TargetDebtRatio(20_000)
	if cfg.Strategy.DebtLower != r-r/20 || cfg.Strategy.DebtUpper != r+r/20 {
		t.Fatalf("expected bands around %d, got %d..%d", r, cfg.Strategy.DebtLower, cfg.Strategy.DebtUpper)
	}
}

func TestMetricsCanBeDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"metrics:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics disabled")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("PS_KEEPER_KEY", " deadbeef ")
	t.Setenv("PS_GOVERNANCE_ADDRESS", "0x00000000000000000000000000000000000000b1")
	t.Setenv("PS_TELEGRAM_TOKEN", "token")
	t.Setenv("PS_TELEGRAM_CHAT_ID", "42")
	t.Setenv("PS_TIMESCALE_DSN", "postgres://localhost/ps")

	cfg, err := Load(writeConfig(t, minimalYAML+"timescale:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Keeper.PrivateKey != "deadbeef" {
		t.Fatalf("expected trimmed keeper key, got %q", cfg.Keeper.PrivateKey)
	}
	if cfg.Roles.Governance != "0x00000000000000000000000000000000000000b1" {
		t.Fatalf("expected governance from env, got %s", cfg.Roles.Governance)
	}
	if cfg.Telegram.Token != "token" || cfg.Telegram.ChatID != "42" {
		t.Fatalf("unexpected telegram %+v", cfg.Telegram)
	}
	if cfg.Timescale.DSN != "postgres://localhost/ps" {
		t.Fatalf("unexpected dsn %q", cfg.Timescale.DSN)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"governance":       "roles:\n  keeper: \"0x00000000000000000000000000000000000000a2\"\n",
		"roles.keeper":     "roles:\n  governance: \"0x00000000000000000000000000000000000000a1\"\n",
		"multiple_bps":     minimalYAML + "strategy:\n  multiple_bps: 100000\n",
		"debt_lower":       minimalYAML + "strategy:\n  debt_lower_bps: 11000\n  debt_upper_bps: 10000\n",
		"debt_band":        minimalYAML + "strategy:\n  debt_lower_bps: 11000\n  debt_upper_bps: 12000\n",
		"failure_policy":   minimalYAML + "strategy:\n  failure_policy: yolo\n",
		"strategy.dust":    minimalYAML + "strategy:\n  dust: \"-1\"\n",
		"initial_margin":   minimalYAML + "venue:\n  initial_margin_bps: 9500\n",
		"feed.url":         minimalYAML + "feed:\n  enabled: true\n",
		"report_delay":     minimalYAML + "strategy:\n  min_report_delay: 2h\n  max_report_delay: 1h\n",
		"vault.seed":       minimalYAML + "vault:\n  seed: abc\n",
		"vault.debt_ratio": minimalYAML + "vault:\n  debt_ratio_bps: 10001\n",
	}
	for want, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil {
			t.Fatalf("%s: expected a validation error", want)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: unexpected error %v", want, err)
		}
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}
