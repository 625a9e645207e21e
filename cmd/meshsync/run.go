package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/Meshsync/internal/daemon"
	"github.com/Ning0612/Meshsync/internal/logger"
	"github.com/Ning0612/Meshsync/internal/service"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] ROOT ROOT...",
		Short: "Synchronize two or more directories until interrupted",
		Long: `Run keeps every ROOT identical. Roots are numbered in the order given;
on an exact modification-time tie the lower-numbered root wins.

With --policy manual (the default) conflicting edits are shown on the
console and wait for a choice. With --policy newest the most recently
modified copy wins automatically.`,
		RunE: runSync,
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("policy", "p", "manual", "conflict policy: manual or newest")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	cmd.Flags().Duration("reconcile-interval", 30*time.Second, "interval between full rescans")
	cmd.Flags().Duration("coalesce-window", 200*time.Millisecond, "quiet period before a burst of events is processed")
	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Shutdown()
	log := logger.Get()

	pidPath, err := daemon.PIDPath(cfg.GetLockPath())
	if err != nil {
		return err
	}
	pid := daemon.NewPIDFile(pidPath)
	if err := pid.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			log.Warn("Failed to remove pid file", "error", err)
		}
	}()

	prompter := newConsolePrompter(os.Stdin, cmd.OutOrStdout(), cfg.Roots)
	svc, err := service.NewDaemonService(cfg, prompter)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("Failed to shut down cleanly", "error", err)
		}
	}()
	prompter.decider = svc

	ctx := cmd.Context()
	go prompter.Run(ctx)

	log.Info("Starting", "roots", cfg.Roots, "policy", cfg.Policy, "data_dir", cfg.GetLockPath())
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d roots in sync, watching for changes (Ctrl+C to stop)\n", green("✓"), len(cfg.Roots))

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}
