package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crypto-futures-trader/internal/engine"
	"crypto-futures-trader/internal/journal"
	"crypto-futures-trader/internal/service"
)

// ReasonManualCloseAll 命令行触发的全平原因
const ReasonManualCloseAll = "manual_close_all"

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Cancel all open orders and flatten every position on the account",
	Long: `Cancel every open order and close every open position on the configured account,
then exit. No workers are started. Requires --yes.

Example:
  trader close-all -c config --yes`,
	Args: cobra.NoArgs,
	RunE: runCloseAll,
}

var closeAllConfirm bool

func init() {
	rootCmd.AddCommand(closeAllCmd)
	closeAllCmd.Flags().BoolVar(&closeAllConfirm, "yes", false, "confirm closing every position")
}

func runCloseAll(cmd *cobra.Command, args []string) error {
	if !closeAllConfirm {
		return errors.New("refusing to close all positions without --yes")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := service.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = service.Logger.Sync() }()
	logger := service.Logger

	sinks := journal.Multi{journal.NewLogSink(logger)}
	store, err := journal.Open(cfg.Journal, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		sinks = append(sinks, store)
	}

	mk := buildExchange(cfg, logger)
	coord, err := engine.NewCoordinator(cfg, engine.Options{Exchange: mk.exchange, Sink: sinks}, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := coord.SyncPositionMode(ctx); err != nil {
		return err
	}
	if err := coord.EmergencyCloseAll(ctx, ReasonManualCloseAll); err != nil {
		return fmt.Errorf("close-all incomplete: %w", err)
	}
	logger.Info("All positions closed", zap.String("exchange", cfg.Exchange.Name))
	return nil
}
