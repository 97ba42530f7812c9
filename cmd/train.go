package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/patchfit/internal/config"
	"github.com/cwbudde/patchfit/internal/data"
	"github.com/cwbudde/patchfit/internal/detect"
	"github.com/cwbudde/patchfit/internal/store"
	"github.com/cwbudde/patchfit/internal/train"
)

var (
	trainConfigPath string
	trainDataDir    string
	detGrid         int
	detClasses      int
	detSeed         int64
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train an adversarial patch",
	Long: `Optimizes a patch against the detector over the configured dataset and
writes per-epoch patch checkpoints and a loss trace into a new run directory.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainConfigPath, "config", "", "Run configuration JSON (required)")
	trainCmd.Flags().StringVar(&trainDataDir, "data-dir", "./data", "Base directory for run artifacts")
	trainCmd.Flags().IntVar(&detGrid, "det-grid", 13, "Stand-in detector grid cells per axis")
	trainCmd.Flags().IntVar(&detClasses, "det-classes", 80, "Stand-in detector class count")
	trainCmd.Flags().Int64Var(&detSeed, "det-seed", 7, "Stand-in detector weight seed")

	trainCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(trainConfigPath)
	if err != nil {
		return err
	}
	return trainPatch(cfg)
}

// trainPatch builds the collaborators and runs one full training run.
// The grid detector stands in for a real frozen model; swapping in another
// detect.Detector is the integration point for actual detection backends.
func trainPatch(cfg *config.Config) error {
	ds, err := data.NewDataset(cfg.ImageDir, cfg.LabelDir, cfg.InputH, cfg.InputW, cfg.MaxLabels)
	if err != nil {
		return err
	}
	slog.Info("Loaded dataset", "samples", ds.Len(), "max_labels", cfg.MaxLabels)

	runStore, err := store.NewRunStore(trainDataDir)
	if err != nil {
		return err
	}
	run, err := runStore.CreateRun(cfg.PatchName, time.Now())
	if err != nil {
		return err
	}

	det := detect.NewGridDetector(cfg.InputH, cfg.InputW, detGrid, detClasses, detSeed)
	trainer, err := train.New(cfg, det, ds, run)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := trainer.Train(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("Interrupted; artifacts up to the last epoch are in %s\n", run.Dir())
			return nil
		}
		return err
	}

	fmt.Printf("Run %s finished in %s (artifacts in %s)\n", run.ID(), time.Since(start).Round(time.Second), run.Dir())
	return nil
}
