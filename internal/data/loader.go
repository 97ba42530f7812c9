package data

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// Batch is one assembled training batch. Images has shape (n, 3, H, W) and
// Labels has shape (n, maxLabels, 5); n may be smaller than the configured
// batch size for the final batch of an epoch.
type Batch struct {
	Index  int
	Images *tensor.Tensor
	Labels *tensor.Tensor
}

// Result carries either a batch or the error that prevented assembling it.
type Result struct {
	Batch *Batch
	Err   error
}

// Loader assembles shuffled batches on a pool of worker goroutines feeding a
// bounded prefetch channel. Batches are always delivered in shuffle order,
// so a fixed seed reproduces the exact same epoch regardless of worker
// scheduling; workers own their samples and never touch trainer state.
type Loader struct {
	ds        *Dataset
	batchSize int
	workers   int
	prefetch  int
	seed      int64
}

// NewLoader creates a loader over ds.
func NewLoader(ds *Dataset, batchSize, workers, prefetch int, seed int64) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		workers:   workers,
		prefetch:  prefetch,
		seed:      seed,
	}
}

// Batches returns the number of batches per epoch (final partial included).
func (l *Loader) Batches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Epoch streams the batches of one epoch. The shuffle permutation is a pure
// function of the loader seed and the epoch index. The returned channel is
// closed when the epoch ends or ctx is cancelled.
func (l *Loader) Epoch(ctx context.Context, epoch int) <-chan Result {
	perm := rand.New(rand.NewSource(l.seed + int64(epoch))).Perm(l.ds.Len())
	numBatches := l.Batches()

	jobs := make(chan int)
	collected := make(chan indexedResult, l.workers)
	out := make(chan Result, l.prefetch)

	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				res := indexedResult{index: b}
				res.batch, res.err = l.assemble(perm, b)
				select {
				case collected <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			select {
			case jobs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(collected)
	}()

	// Reorder buffer: emit batches strictly in shuffle order.
	go func() {
		defer close(out)
		pending := make(map[int]indexedResult)
		next := 0
		for res := range collected {
			pending[res.index] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				result := Result{Batch: r.batch, Err: r.err}
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

type indexedResult struct {
	index int
	batch *Batch
	err   error
}

// assemble loads the samples of batch b into one pair of batch tensors.
func (l *Loader) assemble(perm []int, b int) (*Batch, error) {
	lo := b * l.batchSize
	hi := lo + l.batchSize
	if hi > len(perm) {
		hi = len(perm)
	}
	n := hi - lo

	h, w := l.ds.InputSize()
	images := tensor.New(n, 3, h, w)
	labels := tensor.New(n, l.ds.MaxLabels(), labelFields)

	imgLen := 3 * h * w
	labLen := l.ds.MaxLabels() * labelFields
	for i := 0; i < n; i++ {
		img, lab, err := l.ds.Load(perm[lo+i])
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b, err)
		}
		copy(images.Data[i*imgLen:], img.Data)
		copy(labels.Data[i*labLen:], lab)
	}
	return &Batch{Index: b, Images: images, Labels: labels}, nil
}
