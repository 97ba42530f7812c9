// Package train drives the adversarial patch optimization: transform,
// composite, score, loss, backward, update, clamp, across epochs and
// batches, with plateau learning-rate control and periodic checkpoints.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/cwbudde/patchfit/internal/config"
	"github.com/cwbudde/patchfit/internal/data"
	"github.com/cwbudde/patchfit/internal/detect"
	"github.com/cwbudde/patchfit/internal/loss"
	"github.com/cwbudde/patchfit/internal/opt"
	"github.com/cwbudde/patchfit/internal/patch"
	"github.com/cwbudde/patchfit/internal/store"
	"github.com/cwbudde/patchfit/internal/tensor"
)

// Trainer owns the patch parameter for the duration of a run and is its only
// mutator. The frozen detector, the dataset loader and the run store are
// collaborators injected at construction.
type Trainer struct {
	cfg    *config.Config
	det    detect.Detector
	loader *data.Loader
	run    *store.Run

	transformer *patch.Transformer
	applier     *patch.Applier
	extractor   *loss.MaxProbExtractor
	nps         *loss.NPSLoss
	tv          *loss.TotalVariationLoss
	sal         *loss.SaliencyLoss

	rng *rand.Rand
}

// New wires a trainer and fails fast on any configuration error: an
// unrecognized loss target, a missing printable palette, or a detector whose
// input contract does not match the dataset.
func New(cfg *config.Config, det detect.Detector, ds *data.Dataset, run *store.Run) (*Trainer, error) {
	target, err := loss.ParseTarget(cfg.LossTarget)
	if err != nil {
		return nil, err
	}
	extractor, err := loss.NewMaxProbExtractor(cfg.ClassID, target)
	if err != nil {
		return nil, err
	}
	if cfg.ClassID >= det.Classes() {
		return nil, fmt.Errorf("target class %d out of range for detector with %d classes", cfg.ClassID, det.Classes())
	}
	if h, w := det.InputSize(); h != cfg.InputH || w != cfg.InputW {
		return nil, fmt.Errorf("detector input %dx%d does not match configured %dx%d", h, w, cfg.InputH, cfg.InputW)
	}

	var nps *loss.NPSLoss
	if cfg.NPSWeight > 0 {
		nps, err = loss.LoadNPSLoss(cfg.PrintFile)
		if err != nil {
			return nil, err
		}
	}

	transformer := patch.NewTransformer(cfg.TargetSizeFrac)
	transformer.Jitter = cfg.Transform
	transformer.Rotate = cfg.Rotate
	transformer.RandLoc = cfg.RandLoc

	return &Trainer{
		cfg:         cfg,
		det:         det,
		loader:      data.NewLoader(ds, cfg.BatchSize, cfg.Workers, cfg.Prefetch, cfg.Seed),
		run:         run,
		transformer: transformer,
		applier:     patch.NewApplier(cfg.PatchAlpha),
		extractor:   extractor,
		nps:         nps,
		tv:          loss.NewTotalVariationLoss(),
		sal:         loss.NewSaliencyLoss(),
		rng:         rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// losses holds the decomposed loss values of one batch, with the weighted
// printability and smoothness terms as they enter the total.
type losses struct {
	Total, Det, NPS, TV, Sal float64
}

// Train runs the full optimization. On context cancellation the last epoch
// checkpoint remains valid and the error of context.Cause is returned.
func (t *Trainer) Train(ctx context.Context) error {
	adv, err := patch.Init(t.cfg.PatchSrc, t.cfg.PatchSize, t.rng)
	if err != nil {
		return err
	}

	if err := t.run.SaveConfig(t.cfg); err != nil {
		return err
	}
	trace, err := t.run.NewTraceWriter(false)
	if err != nil {
		return err
	}
	defer trace.Close()

	optimizer := opt.NewAdam(t.cfg.StartLR, true)
	scheduler := opt.NewPlateauScheduler(optimizer, t.cfg.SchedFactor, t.cfg.SchedPatience)
	epochLen := t.loader.Batches()

	slog.Info("Starting patch training",
		"run_id", t.run.ID(),
		"patch_size", t.cfg.PatchSize,
		"loss_target", t.cfg.LossTarget,
		"epochs", t.cfg.Epochs,
		"batches_per_epoch", epochLen,
	)

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		epSum := 0.0
		batches := 0

		for res := range t.loader.Epoch(ctx, epoch) {
			if res.Err != nil {
				return res.Err
			}

			l, grad, err := t.step(adv, res.Batch, epoch)
			if err != nil {
				return err
			}

			optimizer.Step(adv.Data, grad.Data)
			adv.Clamp(0, 1)

			epSum += l.Total
			batches++

			if res.Batch.Index%t.cfg.LogEvery == 0 {
				step := epoch*epochLen + res.Batch.Index
				if err := t.emit(trace, adv, l, epoch, step, optimizer.LearningRate()); err != nil {
					return err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			slog.Info("Training interrupted; last epoch checkpoint remains valid", "run_id", t.run.ID())
			return err
		}
		if batches == 0 {
			return fmt.Errorf("epoch %d produced no batches", epoch)
		}

		epMean := epSum / float64(batches)
		reduced := scheduler.Step(epMean)

		checkpoint := t.run.PatchPath(t.cfg.PatchName, epoch)
		if err := patch.SaveImage(adv, checkpoint); err != nil {
			return err
		}
		if err := trace.Flush(); err != nil {
			return err
		}

		slog.Info("Epoch complete",
			"epoch", epoch,
			"mean_loss", epMean,
			"learning_rate", optimizer.LearningRate(),
			"lr_reduced", reduced,
			"checkpoint", checkpoint,
			"elapsed", time.Since(start),
		)
	}

	slog.Info("Training complete", "run_id", t.run.ID(), "epochs", t.cfg.Epochs)
	return nil
}

// step runs the forward pipeline on one batch, assembles the total loss and
// returns its gradient with respect to the patch.
func (t *Trainer) step(adv *tensor.Tensor, batch *data.Batch, epoch int) (losses, *tensor.Tensor, error) {
	var l losses
	grad := tensor.New(adv.Shape...)

	// Detection branch: transform -> composite -> score -> extract.
	transformed, err := t.transformer.Forward(adv, batch.Labels, t.cfg.InputH, t.cfg.InputW, t.rng)
	if err != nil {
		return l, nil, err
	}
	applied, err := t.applier.Forward(batch.Images, transformed)
	if err != nil {
		return l, nil, err
	}

	if t.cfg.Debug {
		if err := t.dumpComposite(applied.Out, epoch, batch.Index); err != nil {
			return l, nil, err
		}
	}

	out, err := t.det.Forward(applied.Out)
	if err != nil {
		return l, nil, fmt.Errorf("detector forward: %w", err)
	}
	maxProb, err := t.extractor.Forward(out)
	if err != nil {
		return l, nil, err
	}
	l.Det = maxProb.Loss

	gradObj, gradCls := maxProb.Backward()
	gradImages, err := t.det.Backward(gradObj, gradCls)
	if err != nil {
		return l, nil, fmt.Errorf("detector backward: %w", err)
	}
	gradInstances := applied.Backward(gradImages)
	gradDet := transformed.Backward(gradInstances)
	if t.cfg.Debug {
		if err := checkFinite("detection gradient", gradDet); err != nil {
			return l, nil, err
		}
	}
	grad.Add(gradDet)

	// Printability term.
	if t.cfg.NPSWeight > 0 {
		npsVal, npsGrad := t.nps.Forward(adv)
		l.NPS = t.cfg.NPSWeight * npsVal
		if t.cfg.Debug {
			if err := checkFinite("printability gradient", npsGrad); err != nil {
				return l, nil, err
			}
		}
		grad.AddScaled(t.cfg.NPSWeight, npsGrad)
	}

	// Smoothness term with its fixed floor: max(weighted, floor). Once the
	// patch is smooth the floor contributes a constant bias and no
	// gradient, exactly as configured.
	if t.cfg.TVWeight > 0 {
		tvVal, tvGrad := t.tv.Forward(adv)
		weighted := t.cfg.TVWeight * tvVal
		l.TV = math.Max(weighted, t.cfg.TVFloor)
		if weighted > t.cfg.TVFloor {
			if t.cfg.Debug {
				if err := checkFinite("smoothness gradient", tvGrad); err != nil {
					return l, nil, err
				}
			}
			grad.AddScaled(t.cfg.TVWeight, tvGrad)
		}
	} else {
		l.TV = t.cfg.TVFloor
	}

	// Optional saliency term, off unless weighted.
	if t.cfg.SaliencyWeight > 0 {
		salVal, salGrad := t.sal.Forward(adv)
		l.Sal = t.cfg.SaliencyWeight * salVal
		grad.AddScaled(t.cfg.SaliencyWeight, salGrad)
	}

	l.Total = l.Det + l.NPS + l.TV + l.Sal
	if math.IsNaN(l.Total) || math.IsInf(l.Total, 0) {
		return l, nil, fmt.Errorf("non-finite loss at epoch %d batch %d: det=%g nps=%g tv=%g sal=%g",
			epoch, batch.Index, l.Det, l.NPS, l.TV, l.Sal)
	}
	if grad.HasBadValues() {
		return l, nil, fmt.Errorf("non-finite patch gradient at epoch %d batch %d", epoch, batch.Index)
	}
	return l, grad, nil
}

// emit writes one trace entry with a patch snapshot artifact.
func (t *Trainer) emit(trace *store.TraceWriter, adv *tensor.Tensor, l losses, epoch, step int, lr float64) error {
	snapshot := t.run.SnapshotPath(step)
	if err := patch.SaveImage(adv, snapshot); err != nil {
		return err
	}
	return trace.Write(store.TraceEntry{
		Step:         step,
		Epoch:        epoch,
		TotalLoss:    l.Total,
		DetLoss:      l.Det,
		NPSLoss:      l.NPS,
		TVLoss:       l.TV,
		SalLoss:      l.Sal,
		LearningRate: lr,
		PatchPath:    snapshot,
		Timestamp:    time.Now(),
	})
}

// dumpComposite writes the first composited image of a batch for debugging.
func (t *Trainer) dumpComposite(out *tensor.Tensor, epoch, batchIdx int) error {
	dir, err := t.run.AppliedDir()
	if err != nil {
		return err
	}
	h, w := out.Shape[2], out.Shape[3]
	first := &tensor.Tensor{Shape: []int{3, h, w}, Data: out.Data[:3*h*w]}
	return patch.SaveImage(first, filepath.Join(dir, fmt.Sprintf("e%03d_b%04d.png", epoch, batchIdx)))
}

// checkFinite surfaces the first stage whose gradient went non-finite.
func checkFinite(stage string, t *tensor.Tensor) error {
	if t.HasBadValues() {
		return fmt.Errorf("%s contains NaN or Inf", stage)
	}
	return nil
}
