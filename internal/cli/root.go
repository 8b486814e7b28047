// Package cli implements the engram command line interface.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	engram "github.com/engramdb/engram"
	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/pkg/evaluator"
	"github.com/engramdb/engram/pkg/logging"
)

var (
	flagConfig string
	flagRoot   string
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Durable content-addressed memory for agents",
	Long:  "Engram stores agent experiences as an immutable hash-linked DAG with branch semantics, fronted by a hot cache and a compressed archive.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to engram.yaml")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "store root directory (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagRoot != "" {
		cfg = config.ForRoot(flagRoot)
	}
	return cfg, nil
}

func openStore() (*engram.Engram, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logging.New(level)

	eval := evaluator.NewRuleEvaluator(evaluator.DefaultRules())
	store, err := engram.Open(cfg, eval, log)
	if err != nil {
		return nil, nil, err
	}
	return store, log, nil
}
