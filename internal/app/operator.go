package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp-strategy/internal/alerts"
	"perp-strategy/internal/state"
	"perp-strategy/internal/units"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `msgpack:"update_id"`
	Time         time.Time `msgpack:"time"`
	Action       string    `msgpack:"action"`
	Command      string    `msgpack:"command"`
	UserID       int64     `msgpack:"user_id"`
	Username     string    `msgpack:"username,omitempty"`
	ChatID       int64     `msgpack:"chat_id"`
	PausedBefore bool      `msgpack:"paused_before"`
	PausedAfter  bool      `msgpack:"paused_after"`
	Result       string    `msgpack:"result,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || !a.alerts.Enabled() || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID := a.alerts.ChatID()
	if chatID == 0 {
		a.log.Warn("telegram operator disabled: invalid chat_id")
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	cmd, _, _ = strings.Cut(cmd, "@")
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause", "resume":
		pause := cmd == "pause"
		before := a.isPaused()
		after := a.setPaused(pause)
		a.auditOperatorEvent(ctx, meta, cmd, before, after, "")
		switch {
		case pause && before:
			return "keeper already paused", nil
		case pause:
			return "keeper paused", nil
		case !before:
			return "keeper already active", nil
		default:
			return "keeper resumed", nil
		}
	case "harvest":
		if a.isPaused() {
			return "keeper is paused; /resume first", nil
		}
		report, err := a.harvest(ctx)
		result := "ok"
		if err != nil {
			result = err.Error()
		}
		paused := a.isPaused()
		a.auditOperatorEvent(ctx, meta, "harvest", paused, paused, result)
		if err != nil {
			return "", err
		}
		return alerts.FormatHarvest(a.deploy.Strategy.Name(), a.cfg.Strategy.WantSymbol, a.cfg.Strategy.WantDecimals, report), nil
	case "tend":
		if a.isPaused() {
			return "keeper is paused; /resume first", nil
		}
		err := a.tend(ctx)
		result := "ok"
		if err != nil {
			result = err.Error()
		}
		paused := a.isPaused()
		a.auditOperatorEvent(ctx, meta, "tend", paused, paused, result)
		if err != nil {
			return "", err
		}
		return "tended", nil
	case "history":
		return a.operatorHistory(ctx, args)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.deploy == nil {
		return "status unavailable"
	}
	s := a.deploy.Strategy
	dec := a.cfg.Strategy.WantDecimals
	sym := a.cfg.Strategy.WantSymbol
	lines := []string{
		fmt.Sprintf("strategy: %s", s.Name()),
		fmt.Sprintf("state: %s", s.State()),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("emergency_exit: %t", s.EmergencyExit()),
	}
	if pos, err := s.Position(ctx); err != nil {
		lines = append(lines, fmt.Sprintf("position: unavailable (%v)", err))
	} else {
		lines = append(lines,
			fmt.Sprintf("total_assets: %s %s", units.Format(pos.EstimatedTotalAssets(), dec), sym),
			fmt.Sprintf("collateral: %s %s", units.Format(pos.Collateral, dec), sym),
			fmt.Sprintf("debt: %s %s", units.Format(pos.Debt, dec), sym),
			fmt.Sprintf("debt_ratio_bps: %d (band %d-%d)", pos.DebtRatio(), s.DebtThresholds().Lower, s.DebtThresholds().Upper),
			fmt.Sprintf("collateral_bps: %d (band %d-%d)", pos.CollateralRatio(), s.CollateralThresholds().Lower, s.CollateralThresholds().Upper),
		)
	}
	lines = append(lines,
		fmt.Sprintf("price_per_share: %s", units.Format(a.deploy.Vault.PricePerShare(), a.deploy.Vault.Decimals())),
		fmt.Sprintf("mark_price: %s", units.Format(a.deploy.Paper.MarkPrice(), units.PriceDecimals)),
	)
	a.opsMu.RLock()
	last := a.lastHarvest
	a.opsMu.RUnlock()
	if last.IsZero() {
		lines = append(lines, "last_harvest: n/a")
	} else {
		lines = append(lines, fmt.Sprintf("last_harvest: %s", last.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) operatorHistory(ctx context.Context, args []string) (string, error) {
	limit := 5
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid history count %q", args[0])
		}
		limit = n
	}
	history, err := state.LoadHarvestHistory(ctx, a.store)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "no harvests recorded", nil
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		signed := ""
		if len(h.Signature) > 0 {
			signed = " signed"
		}
		lines = append(lines, fmt.Sprintf("%s %s profit=%s loss=%s assets=%s%s",
			time.UnixMilli(h.HarvestedAtMS).UTC().Format(time.RFC3339), h.State, h.Profit, h.Loss, h.TotalAssets, signed))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - strategy, book and vault status",
		"/pause - stop triggering harvests and tends",
		"/resume - resume the keeper",
		"/harvest - harvest now",
		"/tend - tend now",
		"/history [n] - last n harvests",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10)))
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action string, pausedBefore, pausedAfter bool, result string) {
	if a.store == nil {
		return
	}
	event := operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         a.now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
		Result:       result,
	}
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	_ = a.store.Set(ctx, key, payload)
}
