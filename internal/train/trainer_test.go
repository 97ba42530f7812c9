package train

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/patchfit/internal/config"
	"github.com/cwbudde/patchfit/internal/data"
	"github.com/cwbudde/patchfit/internal/detect"
	"github.com/cwbudde/patchfit/internal/patch"
	"github.com/cwbudde/patchfit/internal/store"
	"github.com/cwbudde/patchfit/internal/tensor"
)

// testConfig returns a configuration small enough for fast in-memory runs.
func testConfig(root string) *config.Config {
	cfg := config.Default()
	cfg.PatchName = "test"
	cfg.PatchSize = 8
	cfg.TargetSizeFrac = 0.5
	cfg.InputH = 32
	cfg.InputW = 32
	cfg.MaxLabels = 2
	cfg.BatchSize = 2
	cfg.Epochs = 2
	cfg.LogEvery = 1
	cfg.SchedPatience = 5
	cfg.Workers = 1
	cfg.Prefetch = 0
	cfg.ImageDir = filepath.Join(root, "images")
	cfg.LabelDir = filepath.Join(root, "labels")
	cfg.PrintFile = filepath.Join(root, "printable.txt")
	return cfg
}

// testFixture writes a small dataset and palette under root.
func testFixture(t *testing.T, cfg *config.Config, samples int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.ImageDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.LabelDir, 0o755))

	for i := 0; i < samples; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * i), G: 100, B: 180, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(cfg.ImageDir, fmt.Sprintf("s%d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())

		require.NoError(t, os.WriteFile(
			filepath.Join(cfg.LabelDir, fmt.Sprintf("s%d.txt", i)),
			[]byte("0 0.5 0.5 0.6 0.6\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(cfg.PrintFile,
		[]byte("0,0,0\n1,1,1\n0.5,0.5,0.5\n"), 0o644))
}

func newTestTrainer(t *testing.T, cfg *config.Config) (*Trainer, *store.Run) {
	t.Helper()
	ds, err := data.NewDataset(cfg.ImageDir, cfg.LabelDir, cfg.InputH, cfg.InputW, cfg.MaxLabels)
	require.NoError(t, err)
	det := detect.NewGridDetector(cfg.InputH, cfg.InputW, 4, 2, 5)
	rs, err := store.NewRunStore(t.TempDir())
	require.NoError(t, err)
	run, err := rs.CreateRun(cfg.PatchName, time.Now())
	require.NoError(t, err)

	tr, err := New(cfg, det, ds, run)
	require.NoError(t, err)
	return tr, run
}

func TestTrainerRunsAndCheckpoints(t *testing.T) {
	cfg := testConfig(t.TempDir())
	testFixture(t, cfg, 4)
	tr, run := newTestTrainer(t, cfg)

	require.NoError(t, tr.Train(context.Background()))

	// One checkpoint per epoch, the latest being the final epoch.
	_, epoch, err := run.LatestPatch()
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs-1, epoch)

	reader, err := run.NewTraceReader()
	require.NoError(t, err)
	defer reader.Close()
	entries, err := reader.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.False(t, math.IsNaN(e.TotalLoss), "NaN loss in trace")
		assert.Greater(t, e.LearningRate, 0.0)
		assert.GreaterOrEqual(t, e.TVLoss, cfg.TVFloor)
		if e.PatchPath != "" {
			_, err := os.Stat(e.PatchPath)
			assert.NoError(t, err, "snapshot %s missing", e.PatchPath)
		}
	}

	// The run directory carries the exact configuration used.
	var saved config.Config
	require.NoError(t, run.LoadConfig(&saved))
	assert.Equal(t, cfg.Seed, saved.Seed)
	assert.Equal(t, cfg.PatchSize, saved.PatchSize)
}

func TestTrainerDeterministicAcrossRuns(t *testing.T) {
	trace := func() []float64 {
		cfg := testConfig(t.TempDir())
		testFixture(t, cfg, 4)
		tr, run := newTestTrainer(t, cfg)
		require.NoError(t, tr.Train(context.Background()))

		reader, err := run.NewTraceReader()
		require.NoError(t, err)
		defer reader.Close()
		entries, err := reader.ReadAll()
		require.NoError(t, err)

		losses := make([]float64, len(entries))
		for i, e := range entries {
			losses[i] = e.TotalLoss
		}
		return losses
	}

	first := trace()
	require.NotEmpty(t, first)
	assert.Equal(t, first, trace())
}

func TestTrainerPatchStaysInRange(t *testing.T) {
	cfg := testConfig(t.TempDir())
	testFixture(t, cfg, 2)
	tr, _ := newTestTrainer(t, cfg)

	adv, err := patch.Init(cfg.PatchSrc, cfg.PatchSize, rand.New(rand.NewSource(cfg.Seed)))
	require.NoError(t, err)

	images := tensor.Full(0.5, 2, 3, 32, 32)
	labels := tensor.New(2, cfg.MaxLabels, 5)
	for n := 0; n < 2; n++ {
		copy(labels.Data[n*cfg.MaxLabels*5:], []float64{0, 0.5, 0.5, 0.6, 0.6})
		labels.Data[n*cfg.MaxLabels*5+5] = -1
	}
	batch := &data.Batch{Images: images, Labels: labels}

	// Drive the patch hard with a large step so clamping has to act.
	for i := 0; i < 10; i++ {
		_, grad, err := tr.step(adv, batch, 0)
		require.NoError(t, err)
		adv.AddScaled(-1.0, grad)
		adv.Clamp(0, 1)
	}
	for i, v := range adv.Data {
		require.GreaterOrEqual(t, v, 0.0, "pixel %d below range", i)
		require.LessOrEqual(t, v, 1.0, "pixel %d above range", i)
	}
}

func TestTrainerInterruptedByContext(t *testing.T) {
	cfg := testConfig(t.TempDir())
	testFixture(t, cfg, 4)
	tr, _ := newTestTrainer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Train(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadConfigs(t *testing.T) {
	cfg := testConfig(t.TempDir())
	testFixture(t, cfg, 2)
	ds, err := data.NewDataset(cfg.ImageDir, cfg.LabelDir, cfg.InputH, cfg.InputW, cfg.MaxLabels)
	require.NoError(t, err)
	rs, err := store.NewRunStore(t.TempDir())
	require.NoError(t, err)
	run, err := rs.CreateRun("bad", time.Now())
	require.NoError(t, err)
	det := detect.NewGridDetector(32, 32, 4, 2, 5)

	t.Run("unknown loss target", func(t *testing.T) {
		bad := *cfg
		bad.LossTarget = "iou"
		_, err := New(&bad, det, ds, run)
		assert.Error(t, err)
	})
	t.Run("class beyond detector", func(t *testing.T) {
		bad := *cfg
		bad.ClassID = 5
		_, err := New(&bad, det, ds, run)
		assert.Error(t, err)
	})
	t.Run("detector input mismatch", func(t *testing.T) {
		small := detect.NewGridDetector(16, 16, 4, 2, 5)
		_, err := New(cfg, small, ds, run)
		assert.Error(t, err)
	})
	t.Run("missing palette", func(t *testing.T) {
		bad := *cfg
		bad.PrintFile = filepath.Join(t.TempDir(), "nope.txt")
		_, err := New(&bad, det, ds, run)
		assert.Error(t, err)
	})
}
