package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"perp-strategy/internal/alerts"
	"perp-strategy/internal/config"
	"perp-strategy/internal/feed"
	"perp-strategy/internal/keys"
	"perp-strategy/internal/metrics"
	"perp-strategy/internal/state"
	"perp-strategy/internal/state/sqlite"
	"perp-strategy/internal/strategy"
	"perp-strategy/internal/timescale"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// App is the keeper process: it owns a paper deployment and drives its
// harvest and tend triggers on a ticker.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	deploy    *Deployment
	signer    *keys.Signer
	keeper    common.Address
	callCost  *big.Int
	metrics   *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	feed      *feed.MarkFeed
	now       func() time.Time

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	lastFunding    time.Time
	lastHarvest    time.Time
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, log, store, time.Now)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
	}
	a.timescale = writer
	if cfg.Feed.Enabled {
		client := feed.NewClient(cfg.Feed.URL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log.Named("feed"))
		a.feed = feed.NewMarkFeed(client, cfg.Feed.Market, a.deploy.Paper, log.Named("feed"))
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, store state.Store, now func() time.Time) (*App, error) {
	keeper, signer, err := keeperIdentity(cfg)
	if err != nil {
		return nil, err
	}
	callCost, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Keeper.CallCostWei), 10)
	if !ok || callCost.Sign() < 0 {
		return nil, fmt.Errorf("keeper.call_cost_wei %q is not a non-negative integer", cfg.Keeper.CallCostWei)
	}
	prom := metrics.NewPrometheus()
	deploy, err := Deploy(ctx, cfg, DeployOptions{
		Keeper:  keeper,
		Store:   store,
		Metrics: prom.Metrics,
		Log:     log,
		Clock:   now,
	})
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		deploy:      deploy,
		signer:      signer,
		keeper:      keeper,
		callCost:    callCost,
		metrics:     prom,
		alerts:      alerts.NewTelegram(cfg.Telegram, log.Named("telegram")),
		now:         now,
		lastFunding: now(),
	}, nil
}

// keeperIdentity prefers the keeper key. A configured keeper address must
// match it when both are present.
func keeperIdentity(cfg *config.Config) (common.Address, *keys.Signer, error) {
	configured := strings.TrimSpace(cfg.Roles.Keeper)
	if cfg.Keeper.PrivateKey == "" {
		if configured == "" {
			return common.Address{}, nil, errors.New("keeper address or key is required")
		}
		return common.HexToAddress(configured), nil, nil
	}
	signer, err := keys.NewSigner(cfg.Keeper.PrivateKey, cfg.Keeper.ChainID)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("keeper key: %w", err)
	}
	if configured != "" && common.HexToAddress(configured) != signer.Address() {
		return common.Address{}, nil, fmt.Errorf("keeper address does not match key: got %s expected %s", configured, signer.Address().Hex())
	}
	return signer.Address(), signer, nil
}

func (a *App) Deployment() *Deployment { return a.deploy }

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	if snap, ok, err := state.LoadHarvestSnapshot(ctx, a.store); err != nil {
		a.log.Warn("last harvest snapshot unreadable", zap.Error(err))
	} else if ok {
		a.log.Info("last harvest",
			zap.String("strategy", snap.Strategy),
			zap.String("state", snap.State),
			zap.String("total_assets", snap.TotalAssets),
			zap.Time("at", time.UnixMilli(snap.HarvestedAtMS).UTC()),
		)
	}
	a.log.Info("keeper starting",
		zap.String("strategy", a.deploy.Strategy.Name()),
		zap.String("keeper", a.keeper.Hex()),
		zap.Bool("signing", a.signer != nil),
		zap.Duration("interval", a.cfg.Keeper.Interval),
	)

	a.timescale.Start(ctx)
	a.startMetrics(ctx)
	a.startOperator(ctx)
	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("mark feed stopped", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(a.cfg.Keeper.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("keeper tick failed", zap.Error(err))
			}
		}
	}
}

// tick accrues venue funding, then runs at most one of harvest or tend.
func (a *App) tick(ctx context.Context) error {
	a.accrueFunding()
	defer a.recordPosition(ctx)
	if a.isPaused() {
		return nil
	}
	s := a.deploy.Strategy
	fire, err := s.HarvestTrigger(ctx, a.callCost)
	if err != nil {
		return fmt.Errorf("harvest trigger: %w", err)
	}
	if fire {
		_, err := a.harvest(ctx)
		return err
	}
	fire, err = s.TendTrigger(ctx, a.callCost)
	if err != nil {
		return fmt.Errorf("tend trigger: %w", err)
	}
	if fire {
		return a.tend(ctx)
	}
	return nil
}

func (a *App) harvest(ctx context.Context) (strategy.HarvestReport, error) {
	s := a.deploy.Strategy
	report, err := s.Harvest(ctx, a.keeper)
	if err != nil {
		a.notify(ctx, fmt.Sprintf("%s harvest failed: %v", s.Name(), err))
		return strategy.HarvestReport{}, err
	}
	at := a.now()
	a.opsMu.Lock()
	a.lastHarvest = at
	a.opsMu.Unlock()
	a.persistHarvest(ctx, report, at)
	a.recordHarvest(report, at)
	if report.Emergency || (report.Loss != nil && report.Loss.Sign() > 0) || report.Failures > 0 {
		a.notify(ctx, alerts.FormatHarvest(s.Name(), a.cfg.Strategy.WantSymbol, a.cfg.Strategy.WantDecimals, report))
	}
	return report, nil
}

func (a *App) tend(ctx context.Context) error {
	if err := a.deploy.Strategy.Tend(ctx, a.keeper); err != nil {
		a.notify(ctx, fmt.Sprintf("%s tend failed: %v", a.deploy.Strategy.Name(), err))
		return err
	}
	return nil
}

func (a *App) accrueFunding() {
	rate := a.cfg.Venue.FundingRateBps
	interval := a.cfg.Venue.FundingInterval
	if rate == 0 || interval <= 0 {
		return
	}
	now := a.now()
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	for !a.lastFunding.Add(interval).After(now) {
		a.deploy.Paper.ApplyFundingRate(rate)
		a.lastFunding = a.lastFunding.Add(interval)
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if !a.alerts.Enabled() {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert failed", zap.Error(err))
	}
}

func (a *App) startMetrics(ctx context.Context) {
	if !a.cfg.Metrics.EnabledValue() {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}
