package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Adithya-Monish-Kumar-K/catalog-reconciler/internal/pass"
	"github.com/spf13/cobra"
)

// errPassFailed makes a one-shot command exit non-zero after its report
// has been printed.
var errPassFailed = errors.New("pass failed")

var jsonOutput bool

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run one matching pass over unlinked position items",
	Long: `Run one matching pass and print its report. The semantic index is built
first if it has never been built. Exits 2 when the pass fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		report := a.scheduler.TriggerMatching(cmd.Context())
		if err := render(os.Stdout, report, printMatchReport); err != nil {
			return err
		}
		return statusErr(report.Status, report.Error)
	},
}

var forceReindex bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Run one cleaning pass and suggest merges for near-duplicate entries",
	Long: `Run one cleaning pass and print its report. With --force-reindex the
semantic index is rebuilt from the catalog before scanning. Exits 2 when
the pass fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		report := a.scheduler.TriggerCleaning(cmd.Context(), forceReindex)
		if err := render(os.Stdout, report, printCleanReport); err != nil {
			return err
		}
		return statusErr(report.Status, report.Error)
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the semantic index from the full catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.initializer.InitializeCache(cmd.Context(), true)
		if err != nil {
			return err
		}
		return render(os.Stdout, cacheView{State: st}, printCacheState)
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&forceReindex, "force-reindex", false, "rebuild the semantic index before scanning")
	for _, c := range []*cobra.Command{matchCmd, cleanCmd, reindexCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
		rootCmd.AddCommand(c)
	}
}

func statusErr(s pass.Status, detail string) error {
	switch s {
	case pass.StatusFailed:
		return fmt.Errorf("%w: %s", errPassFailed, detail)
	case pass.StatusSkipped:
		return fmt.Errorf("%w: %s", errPassFailed, "another pass of this type is running")
	}
	return nil
}
