package state

import (
	"context"
	"math/big"
	"time"

	"perp-strategy/internal/strategy"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	HarvestSnapshotKey = "strategy:last_harvest"
	HarvestHistoryKey  = "strategy:harvest_history"
)

// HarvestSnapshot is the persisted form of a harvest report. Amounts are
// decimal strings of want base units.
type HarvestSnapshot struct {
	Strategy        string `msgpack:"strategy"`
	Profit          string `msgpack:"profit"`
	Loss            string `msgpack:"loss"`
	DebtPayment     string `msgpack:"debt_payment"`
	DebtOutstanding string `msgpack:"debt_outstanding"`
	Premium         string `msgpack:"premium"`
	Absorbed        string `msgpack:"absorbed"`
	TotalAssets     string `msgpack:"total_assets"`
	DebtRatio       uint64 `msgpack:"debt_ratio"`
	CollateralRatio uint64 `msgpack:"collateral_ratio"`
	Trades          int    `msgpack:"trades"`
	Failures        int    `msgpack:"failures"`
	Emergency       bool   `msgpack:"emergency"`
	State           string `msgpack:"state"`
	HarvestedAtMS   int64  `msgpack:"harvested_at_ms"`
	// Signer and Signature attest the snapshot with the keeper key.
	Signer    string `msgpack:"signer,omitempty"`
	Signature []byte `msgpack:"signature,omitempty"`
}

func NewHarvestSnapshot(name string, report strategy.HarvestReport, at time.Time) HarvestSnapshot {
	return HarvestSnapshot{
		Strategy:        name,
		Profit:          text(report.Profit),
		Loss:            text(report.Loss),
		DebtPayment:     text(report.DebtPayment),
		DebtOutstanding: text(report.DebtOutstanding),
		Premium:         text(report.Premium),
		Absorbed:        text(report.Absorbed),
		TotalAssets:     text(report.TotalAssets),
		DebtRatio:       report.DebtRatio,
		CollateralRatio: report.CollateralRatio,
		Trades:          report.Trades,
		Failures:        report.Failures,
		Emergency:       report.Emergency,
		State:           string(report.State),
		HarvestedAtMS:   at.UnixMilli(),
	}
}

// Payload is the canonical encoding that gets signed. The signature fields are
// left out so a signed snapshot verifies against the same bytes.
func (s HarvestSnapshot) Payload() ([]byte, error) {
	s.Signer = ""
	s.Signature = nil
	return msgpack.Marshal(s)
}

func text(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func LoadHarvestSnapshot(ctx context.Context, store Store) (HarvestSnapshot, bool, error) {
	if store == nil {
		return HarvestSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, HarvestSnapshotKey)
	if err != nil || !ok || len(raw) == 0 {
		return HarvestSnapshot{}, false, err
	}
	var snapshot HarvestSnapshot
	if err := msgpack.Unmarshal(raw, &snapshot); err != nil {
		return HarvestSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// SaveHarvestSnapshot stores the snapshot as the latest and appends it to the
// history, keeping at most limit entries. A limit of zero keeps no history.
func SaveHarvestSnapshot(ctx context.Context, store Store, snapshot HarvestSnapshot, limit int) error {
	if store == nil {
		return nil
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, HarvestSnapshotKey, payload); err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	history, err := LoadHarvestHistory(ctx, store)
	if err != nil {
		return err
	}
	history = append(history, snapshot)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	encoded, err := msgpack.Marshal(history)
	if err != nil {
		return err
	}
	return store.Set(ctx, HarvestHistoryKey, encoded)
}

// LoadHarvestHistory returns stored snapshots oldest first.
func LoadHarvestHistory(ctx context.Context, store Store) ([]HarvestSnapshot, error) {
	if store == nil {
		return nil, nil
	}
	raw, ok, err := store.Get(ctx, HarvestHistoryKey)
	if err != nil || !ok || len(raw) == 0 {
		return nil, err
	}
	var history []HarvestSnapshot
	if err := msgpack.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}
