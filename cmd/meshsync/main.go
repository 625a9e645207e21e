package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ning0612/Meshsync/internal/config"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:           "meshsync",
	Short:         "Keep several directory trees identical",
	Version:       versionString(),
	SilenceErrors: true,
}

func init() {
	addPersistentFlags(rootCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default: search for config.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "directory for the audit database, lock and pid file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", red("ERROR"), err)
		os.Exit(1)
	}
}

// newViper reads the config file and binds the flags cmd shares with it
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := config.NewViper()

	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, path); err != nil {
		return nil, err
	}

	bindings := map[string]string{
		"data_dir":           "data-dir",
		"policy":             "policy",
		"debug":              "debug",
		"reconcile_interval": "reconcile-interval",
		"coalesce_window":    "coalesce-window",
	}
	for key, name := range bindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// loadConfig builds the full configuration for a sync session. Root
// arguments replace any roots from the config file.
func loadConfig(cmd *cobra.Command, roots []string) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	if len(roots) > 0 {
		v.Set("roots", roots)
	}
	return config.FromViper(v)
}

// dataDir resolves the data directory without requiring any roots
func dataDir(cmd *cobra.Command) (string, error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", err
	}
	return config.ExpandPath(v.GetString("data_dir")), nil
}
