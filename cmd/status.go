package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cenkalti/dominantcolor"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/patchfit/internal/store"
)

var statusDataDir string

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Summarize runs from their loss traces",
	Long: `Without arguments, lists all runs in the data directory.
With a run ID, prints loss statistics from the run's trace and the dominant
color of its latest patch checkpoint.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "./data", "Base directory for run artifacts")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewRunStore(statusDataDir)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return listRuns(runStore)
	}
	return showRun(runStore, args[0])
}

func listRuns(runStore *store.RunStore) error {
	ids, err := runStore.ListRuns()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func showRun(runStore *store.RunStore, id string) error {
	run, err := runStore.OpenRun(id)
	if err != nil {
		return err
	}
	reader, err := run.NewTraceReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("Run %s has an empty trace\n", id)
		return nil
	}

	total := make([]float64, len(entries))
	det := make([]float64, len(entries))
	for i, e := range entries {
		total[i] = e.TotalLoss
		det[i] = e.DetLoss
	}
	last := entries[len(entries)-1]

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run\t%s\n", id)
	fmt.Fprintf(w, "Trace entries\t%d\n", len(entries))
	fmt.Fprintf(w, "Last step\t%d (epoch %d)\n", last.Step, last.Epoch)
	fmt.Fprintf(w, "Mean total loss\t%.4f\n", stat.Mean(total, nil))
	fmt.Fprintf(w, "Best total loss\t%.4f\n", floats.Min(total))
	fmt.Fprintf(w, "Mean detection loss\t%.4f\n", stat.Mean(det, nil))
	fmt.Fprintf(w, "Last learning rate\t%g\n", last.LearningRate)

	if path, epoch, err := run.LatestPatch(); err == nil {
		if img, err := imaging.Open(path); err == nil {
			fmt.Fprintf(w, "Latest checkpoint\tepoch %d (%s)\n", epoch, path)
			fmt.Fprintf(w, "Dominant patch color\t%s\n", dominantcolor.Hex(dominantcolor.Find(img)))
		}
	}
	return w.Flush()
}
