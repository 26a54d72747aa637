package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/swarmq/internal/config"
	"github.com/fentz26/swarmq/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "swarmq",
	Short: "swarmq - resident task-queue runtime",
	Long: `swarmq runs a pool of workers over a shared SQLite task queue. Workers claim
tasks under TTL locks, execute them through reusable tools or execution
backends, review the output and grant rewards for approved work.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("api") {
			loaded.API = apiAddr
		}
		cfg = loaded
		return nil
	},
}

var (
	cfgFile string
	apiAddr string
	cfg     *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (overrides user and project config)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")

	rootCmd.AddCommand(daemonCmd, workerCmd, sweepCmd)
	rootCmd.AddCommand(taskCmd, countsCmd, ledgerCmd)
	rootCmd.AddCommand(haltCmd, pauseCmd, resumeCmd)
	rootCmd.AddCommand(toolsCmd, watchCmd, configCmd)
}

// client returns an API client for the configured address.
func client() *controlplane.Client {
	return controlplane.NewClient(cfg.API)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
