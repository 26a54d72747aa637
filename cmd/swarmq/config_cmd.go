package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/swarmq/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations in precedence order",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("user:    %s\n", filepath.Join(config.UserConfigDir(), "config.yaml"))
		fmt.Printf("project: %s (searched upward)\n", config.ProjectFile)
		if cfgFile != "" {
			fmt.Printf("file:    %s\n", cfgFile)
		}
		fmt.Printf("env:     %s_*\n", config.EnvPrefix)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd)
}
