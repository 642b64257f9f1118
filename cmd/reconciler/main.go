package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Links tender position items to catalog entries and deduplicates the catalog",
	Long: `reconciler keeps a semantic index over the product catalog, links incoming
position items to their best catalog entry and suggests merges for
near-duplicate catalog entries.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
		slog.Debug("configuration loaded",
			"config", configPath,
			"catalog_backend", cfg.CatalogStore.Backend,
			"index_backend", cfg.SemanticIndex.Backend,
		)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/reconciler.yaml", "path to config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when a pass ran and failed, 1 for everything that stopped
// a command before it did work (ErrConfiguration included).
func exitCode(err error) int {
	if errors.Is(err, errPassFailed) {
		return 2
	}
	return 1
}
