package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillworks/offline-pos/internal/cache"
	"github.com/tillworks/offline-pos/internal/config"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/poserr"
	"github.com/tillworks/offline-pos/internal/queue"
	"github.com/tillworks/offline-pos/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show terminal, queue, and sync status",
		Long: `Display pairing, connectivity, queue depth, offline exposure, and
dataset freshness. Reads the local database directly; works whether or
not the daemon is running.`,
		RunE: runStatus,
	}
}

// statusView is the aggregate the status command renders.
type statusView struct {
	Paired          bool                    `json:"paired"`
	TerminalID      string                  `json:"terminal_id,omitempty"`
	TenantID        string                  `json:"tenant_id,omitempty"`
	LocationID      string                  `json:"location_id,omitempty"`
	NetworkStatus   string                  `json:"network_status"`
	OfflineSeconds  int64                   `json:"offline_seconds"`
	LastSyncAttempt string                  `json:"last_sync_attempt,omitempty"`
	LastSyncSuccess string                  `json:"last_sync_success,omitempty"`
	Queue           *queue.Stats            `json:"queue"`
	Exposure        statusExposure          `json:"exposure"`
	Datasets        []cache.DatasetVersion  `json:"datasets"`
}

type statusExposure struct {
	TransactionCount int64  `json:"transaction_count"`
	CashTotal        string `json:"cash_total"`
	CardTotal        string `json:"card_total"`
	Total            string `json:"total"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging)

	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}

	st, err := store.Open(config.DatabasePath(dataDir), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	view, err := buildStatusView(cmd.Context(), st, logger)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(view)
	}

	printStatusText(view)

	return nil
}

func buildStatusView(ctx context.Context, st *store.Store, logger *slog.Logger) (*statusView, error) {
	m := meta.New(st.DB(), logger)
	q := queue.New(st.DB(), logger)
	c := cache.New(st.DB(), m, logger)

	view := &statusView{}

	pairing, err := m.GetPairing(ctx)

	switch {
	case err == nil:
		view.Paired = true
		view.TerminalID = pairing.TerminalID
		view.TenantID = pairing.TenantID
		view.LocationID = pairing.LocationID
	case errors.Is(err, poserr.ErrNotPaired):
		// Shown as unpaired.
	default:
		return nil, err
	}

	view.NetworkStatus, err = m.NetworkStatus(ctx)
	if err != nil {
		return nil, err
	}

	offline, err := m.OfflineDuration(ctx)
	if err != nil {
		return nil, err
	}

	view.OfflineSeconds = int64(offline.Seconds())

	attempt, success, err := m.SyncClocks(ctx)
	if err != nil {
		return nil, err
	}

	if !attempt.IsZero() {
		view.LastSyncAttempt = attempt.UTC().Format(time.RFC3339)
	}

	if !success.IsZero() {
		view.LastSyncSuccess = success.UTC().Format(time.RFC3339)
	}

	view.Queue, err = q.Stats(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := m.GetExposure(ctx)
	if err != nil {
		return nil, err
	}

	view.Exposure = statusExposure{
		TransactionCount: exp.TransactionCount,
		CashTotal:        exp.CashTotal.StringFixed(2),
		CardTotal:        exp.CardTotal.StringFixed(2),
		Total:            exp.Total().StringFixed(2),
	}

	view.Datasets, err = c.DatasetVersions(ctx)
	if err != nil {
		return nil, err
	}

	return view, nil
}

func printStatusText(v *statusView) {
	if v.Paired {
		fmt.Printf("Terminal: %s (tenant %s, location %s)\n", v.TerminalID, v.TenantID, v.LocationID)
	} else {
		fmt.Println("Terminal: not paired. Run 'offline-pos pair <code>' to get started.")
	}

	fmt.Printf("Network:  %s", v.NetworkStatus)

	if v.OfflineSeconds > 0 {
		fmt.Printf(" (offline for %s)", (time.Duration(v.OfflineSeconds) * time.Second).String())
	}

	fmt.Println()

	if v.LastSyncSuccess != "" {
		fmt.Printf("Last sync: %s\n", v.LastSyncSuccess)
	} else {
		fmt.Println("Last sync: never")
	}

	fmt.Printf("Queue:    %d pending, %d sending, %d sent, %d failed",
		v.Queue.Pending, v.Queue.Sending, v.Queue.Sent, v.Queue.Failed)

	if v.Queue.ConflictedOrders > 0 {
		fmt.Printf(", %d conflicted orders", v.Queue.ConflictedOrders)
	}

	fmt.Println()

	if v.Queue.BlockedOnFailed > 0 {
		fmt.Printf("Blocked:  %d operations waiting behind failed ones; resolve the failures to drain them\n",
			v.Queue.BlockedOnFailed)
	}

	fmt.Printf("Exposure: %s across %d transactions (cash %s, card %s)\n",
		v.Exposure.Total, v.Exposure.TransactionCount, v.Exposure.CashTotal, v.Exposure.CardTotal)

	if len(v.Datasets) == 0 {
		fmt.Println("Datasets: none cached")
		return
	}

	fmt.Println("Datasets:")

	for _, d := range v.Datasets {
		syncedAt := time.Unix(d.SyncedAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("  %-22s %-28s %6d records  synced %s\n", d.Key, d.Version, d.RecordCount, syncedAt)
	}
}
