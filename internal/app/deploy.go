package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"perp-strategy/internal/config"
	"perp-strategy/internal/exec"
	"perp-strategy/internal/insurance"
	"perp-strategy/internal/metrics"
	"perp-strategy/internal/state"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/token"
	"perp-strategy/internal/units"
	"perp-strategy/internal/vault"
	"perp-strategy/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var wantAddress = common.HexToAddress("0x0000000000000000000000000000000000005700")

// Deployment is a strategy wired to its vault, a paper venue and an optional
// insurance reserve, all in process.
type Deployment struct {
	Want     *token.Token
	Vault    *vault.Vault
	Paper    *venue.Paper
	Venue    *exec.Executor
	Reserve  *insurance.Reserve
	Strategy *strategy.Strategy
	Roles    strategy.Roles
}

type DeployOptions struct {
	Keeper  common.Address
	Store   state.Store
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Clock overrides time.Now for the vault and strategy.
	Clock func() time.Time
}

// Deploy builds the paper deployment described by cfg and seeds it.
func Deploy(ctx context.Context, cfg *config.Config, opts DeployOptions) (*Deployment, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	decimals := cfg.Strategy.WantDecimals
	amount := func(name, raw string) (*big.Int, error) {
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		v, err := units.ParseBase(raw, decimals)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	roles := strategy.Roles{
		Governance: common.HexToAddress(cfg.Roles.Governance),
		Strategist: common.HexToAddress(cfg.Roles.Strategist),
		Keeper:     opts.Keeper,
	}
	if cfg.Roles.Strategist == "" {
		roles.Strategist = roles.Governance
	}
	if roles.Keeper == (common.Address{}) {
		return nil, errors.New("keeper address is required")
	}

	want := token.New(wantAddress, cfg.Strategy.WantSymbol, decimals)
	depositLimit, err := amount("vault.deposit_limit", cfg.Vault.DepositLimit)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(vault.Options{
		Address:      common.HexToAddress(cfg.Vault.Address),
		Token:        want,
		Governance:   roles.Governance,
		DepositLimit: depositLimit,
		Now:          opts.Clock,
		Log:          log.Named("vault"),
	})
	if err != nil {
		return nil, err
	}

	mark, err := units.ParsePrice(cfg.Venue.MarkPrice)
	if err != nil {
		return nil, err
	}
	liquidity, err := amount("venue.liquidity", cfg.Venue.Liquidity)
	if err != nil {
		return nil, err
	}
	paper, err := venue.NewPaper(venue.Options{
		Address:          common.HexToAddress(cfg.Venue.Address),
		Want:             want,
		MarkPrice:        mark,
		InitialMarginBps: cfg.Venue.InitialMarginBps,
		FeeBps:           cfg.Venue.FeeBps,
		Liquidity:        liquidity,
		Log:              log.Named("venue"),
	})
	if err != nil {
		return nil, err
	}
	executor := exec.New(paper, exec.Options{
		Attempts: cfg.Venue.RetryAttempts,
		Backoff:  cfg.Venue.RetryBackoff,
		Store:    opts.Store,
		Log:      log.Named("exec"),
	})

	strategyAddr := common.HexToAddress(cfg.Strategy.Address)
	d := &Deployment{Want: want, Vault: v, Paper: paper, Venue: executor, Roles: roles}
	var ins strategy.Insurance
	if cfg.Insurance.Enabled {
		maxReserve, err := amount("insurance.max_reserve", cfg.Insurance.MaxReserve)
		if err != nil {
			return nil, err
		}
		d.Reserve, err = insurance.New(insurance.Options{
			Address:    common.HexToAddress(cfg.Insurance.Address),
			Want:       want,
			Strategy:   strategyAddr,
			PremiumBps: cfg.Insurance.PremiumBps,
			MaxReserve: maxReserve,
			Log:        log.Named("insurance"),
		})
		if err != nil {
			return nil, err
		}
		ins = d.Reserve
	}

	params, err := harvestParams(cfg.Strategy, decimals)
	if err != nil {
		return nil, err
	}
	dust, err := amount("strategy.dust", cfg.Strategy.Dust)
	if err != nil {
		return nil, err
	}
	s := cfg.Strategy
	d.Strategy, err = strategy.New(ctx, strategy.Options{
		Address:   strategyAddr,
		Name:      s.Name,
		Want:      want,
		Ledger:    v,
		Venue:     executor,
		Insurance: ins,
		Roles:     roles,
		Debt: strategy.DebtThresholds{
			Lower:    s.DebtLower,
			Upper:    s.DebtUpper,
			Multiple: s.Multiple,
		},
		Collateral: strategy.CollateralThresholds{
			Lower: s.CollateralLower,
			Upper: s.CollateralUpper,
			Limit: s.CollateralLimit,
		},
		SlippageAdj: s.SlippageBps,
		Dust:        dust,
		Harvest:     params,
		Policy:      strategy.FailurePolicy(s.FailurePolicy),
		Log:         log.Named("strategy"),
		Metrics:     opts.Metrics,
		Now:         opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	if err := v.AddStrategy(roles.Governance, d.Strategy, cfg.Vault.DebtRatioBps, nil, nil); err != nil {
		return nil, err
	}
	if err := d.seed(ctx, cfg, amount); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Deployment) seed(ctx context.Context, cfg *config.Config, amount func(name, raw string) (*big.Int, error)) error {
	vaultSeed, err := amount("vault.seed", cfg.Vault.Seed)
	if err != nil {
		return err
	}
	if vaultSeed != nil && vaultSeed.Sign() > 0 {
		if err := d.Want.Mint(d.Roles.Governance, vaultSeed); err != nil {
			return err
		}
		if _, err := d.Vault.Deposit(ctx, d.Roles.Governance, vaultSeed); err != nil {
			return fmt.Errorf("seed vault: %w", err)
		}
	}
	if d.Reserve == nil {
		return nil
	}
	reserveSeed, err := amount("insurance.seed", cfg.Insurance.Seed)
	if err != nil {
		return err
	}
	if reserveSeed != nil && reserveSeed.Sign() > 0 {
		return d.Want.Mint(d.Reserve.Address(), reserveSeed)
	}
	return nil
}

func harvestParams(s config.StrategyConfig, decimals uint8) (strategy.HarvestParams, error) {
	threshold, err := units.ParseBase(s.DebtThreshold, decimals)
	if err != nil {
		return strategy.HarvestParams{}, fmt.Errorf("strategy.debt_threshold: %w", err)
	}
	native, err := decimal.NewFromString(strings.TrimSpace(s.NativePriceInWant))
	if err != nil {
		return strategy.HarvestParams{}, fmt.Errorf("strategy.native_price_in_want: %w", err)
	}
	return strategy.HarvestParams{
		MinReportDelay:    s.MinReportDelay,
		MaxReportDelay:    s.MaxReportDelay,
		ProfitFactor:      s.ProfitFactor,
		DebtThreshold:     threshold,
		NativePriceInWant: native,
	}, nil
}
