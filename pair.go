package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tillworks/offline-pos/internal/backend"
	"github.com/tillworks/offline-pos/internal/config"
	"github.com/tillworks/offline-pos/internal/meta"
	"github.com/tillworks/offline-pos/internal/store"
)

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <code>",
		Short: "Pair this terminal with the backend",
		Long: `Exchange a one-time pairing code for terminal credentials and store
them locally. The code comes from the merchant dashboard. Pairing a
terminal that is already paired replaces its credentials.`,
		Args: cobra.ExactArgs(1),
		RunE: runPair,
	}
}

func runPair(cmd *cobra.Command, args []string) error {
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

	m := meta.New(st.DB(), logger)
	client := backend.NewClient(cfg.Backend.URL, &http.Client{Timeout: cfg.HTTPTimeout()}, m, logger)

	resp, err := client.Pair(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	pairing := &meta.Pairing{
		TerminalID:    resp.TerminalID,
		TenantID:      resp.TenantID,
		LocationID:    resp.LocationID,
		SigningSecret: []byte(resp.SigningSecret),
	}

	if err := m.StorePairing(cmd.Context(), pairing); err != nil {
		return err
	}

	if err := m.SetAPIKey(cmd.Context(), resp.APIKey); err != nil {
		return err
	}

	fmt.Printf("Paired terminal %s (tenant %s, location %s)\n",
		resp.TerminalID, resp.TenantID, resp.LocationID)

	return nil
}

func newUnpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Remove this terminal's pairing credentials",
		Long: `Clear the stored pairing and API key. Queued operations stay in the
database; they resume draining after the terminal is paired again.`,
		RunE: runUnpair,
	}
}

func runUnpair(cmd *cobra.Command, _ []string) error {
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

	m := meta.New(st.DB(), logger)

	if err := m.ClearPairing(cmd.Context()); err != nil {
		return err
	}

	if err := m.ClearAPIKey(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Pairing cleared")

	return nil
}
