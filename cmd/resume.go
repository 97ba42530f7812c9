package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/patchfit/internal/config"
	"github.com/cwbudde/patchfit/internal/store"
)

var resumeDataDir string

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Continue training from a previous run's last checkpoint",
	Long: `Starts a new run with the configuration of an existing run, initializing
the patch from that run's highest-epoch checkpoint image. Optimizer state is
not carried over; only the patch pixels survive the restart.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "./data", "Base directory for run artifacts")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewRunStore(resumeDataDir)
	if err != nil {
		return err
	}
	prev, err := runStore.OpenRun(args[0])
	if err != nil {
		return err
	}

	cfg := config.Default()
	if err := prev.LoadConfig(cfg); err != nil {
		return err
	}
	patchPath, epoch, err := prev.LatestPatch()
	if err != nil {
		return err
	}
	slog.Info("Resuming from checkpoint", "run_id", prev.ID(), "epoch", epoch, "patch", patchPath)

	cfg.PatchSrc = patchPath
	if err := cfg.Validate(); err != nil {
		return err
	}

	trainDataDir = resumeDataDir
	return trainPatch(cfg)
}
