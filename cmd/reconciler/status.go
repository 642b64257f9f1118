package main

import (
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache state and dependency health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.initializer.Current(cmd.Context())
		if err != nil {
			return err
		}
		view := statusView{
			Cache:  cacheView{State: st, Building: a.initializer.Building()},
			Health: a.checker.Run(cmd.Context()),
		}
		return render(os.Stdout, view, printStatus)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schemas for the catalog store and cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		printOK(os.Stdout, "schemas applied")
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd, migrateCmd)
}
