// Command verify checks the keeper signatures on persisted harvest snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"perp-strategy/internal/config"
	"perp-strategy/internal/keys"
	"perp-strategy/internal/state"
	"perp-strategy/internal/state/sqlite"

	"github.com/ethereum/go-ethereum/common"
)

func main() {
	configPath := flag.String("config", "", "optional config path for the state store and chain id")
	dbPath := flag.String("db", "", "sqlite state path, overrides the config")
	expect := flag.String("keeper", "", "expected keeper address; defaults to each snapshot's signer")
	chainID := flag.Int64("chain-id", 0, "chain id of the signing domain, overrides the config")
	all := flag.Bool("all", false, "verify the whole history instead of the latest snapshot")
	flag.Parse()

	path := "data/perp-strategy.db"
	var chain int64 = 1
	if *configPath != "" {
		if err := config.LoadEnv(".env"); err != nil {
			fatal(err)
		}
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		path = cfg.State.SQLitePath
		chain = cfg.Keeper.ChainID
	}
	if *dbPath != "" {
		path = *dbPath
	}
	if *chainID != 0 {
		chain = *chainID
	}
	if _, err := os.Stat(path); err != nil {
		fatal(fmt.Errorf("state store: %w", err))
	}

	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	var snapshots []state.HarvestSnapshot
	if *all {
		snapshots, err = state.LoadHarvestHistory(ctx, store)
		if err != nil {
			fatal(err)
		}
	} else {
		snap, ok, err := state.LoadHarvestSnapshot(ctx, store)
		if err != nil {
			fatal(err)
		}
		if ok {
			snapshots = append(snapshots, snap)
		}
	}
	if len(snapshots) == 0 {
		fatal(errors.New("no harvest snapshots recorded"))
	}

	failed := 0
	for _, snap := range snapshots {
		at := time.UnixMilli(snap.HarvestedAtMS).UTC().Format(time.RFC3339)
		if err := verify(snap, strings.TrimSpace(*expect), chain); err != nil {
			failed++
			fmt.Printf("FAIL %s %s state=%s: %v\n", at, snap.Strategy, snap.State, err)
			continue
		}
		fmt.Printf("ok   %s %s state=%s assets=%s signer=%s\n", at, snap.Strategy, snap.State, snap.TotalAssets, snap.Signer)
	}
	if failed > 0 {
		fatal(fmt.Errorf("%d of %d snapshots failed verification", failed, len(snapshots)))
	}
}

func verify(snap state.HarvestSnapshot, expect string, chainID int64) error {
	if len(snap.Signature) == 0 || snap.Signer == "" {
		return errors.New("snapshot is unsigned")
	}
	if !common.IsHexAddress(snap.Signer) {
		return fmt.Errorf("invalid signer %q", snap.Signer)
	}
	signer := common.HexToAddress(snap.Signer)
	if expect != "" {
		if !common.IsHexAddress(expect) {
			return fmt.Errorf("invalid keeper address %q", expect)
		}
		if common.HexToAddress(expect) != signer {
			return fmt.Errorf("signed by %s, expected %s", signer.Hex(), common.HexToAddress(expect).Hex())
		}
	}
	payload, err := snap.Payload()
	if err != nil {
		return err
	}
	return keys.Verify(payload, snap.Signature, signer, chainID)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
