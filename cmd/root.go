package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "account-signals",
	Short: "Signal intelligence for tracked accounts",
	Long:  "Durable signal log, Bayesian entity resolution, source-trust learning, rule-driven propagation, and callout surfacing for tracked organizations, initiatives, and people.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
