// Package data loads the training dataset: fixed-size image batches plus
// padded per-image object labels in YOLO text format.
package data

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/transform"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// InvalidClass marks a padded or unusable label slot. Downstream consumers
// must skip slots with a negative class id.
const InvalidClass = -1

// labelFields is the YOLO label layout: class, cx, cy, w, h.
const labelFields = 5

// Dataset pairs an image directory with a YOLO label directory. Images are
// matched to <stem>.txt label files; images without a label file yield an
// all-padded label row.
type Dataset struct {
	images    []string
	labelDir  string
	inputH    int
	inputW    int
	maxLabels int
}

// NewDataset scans imageDir and builds a deterministic, sorted sample list.
func NewDataset(imageDir, labelDir string, inputH, inputW, maxLabels int) (*Dataset, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image dir: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".gif":
			images = append(images, filepath.Join(imageDir, e.Name()))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images found in %s", imageDir)
	}
	sort.Strings(images)

	return &Dataset{
		images:    images,
		labelDir:  labelDir,
		inputH:    inputH,
		inputW:    inputW,
		maxLabels: maxLabels,
	}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.images)
}

// MaxLabels returns the padded label capacity per image.
func (d *Dataset) MaxLabels() int {
	return d.maxLabels
}

// InputSize returns the image height and width every sample is resized to.
func (d *Dataset) InputSize() (h, w int) {
	return d.inputH, d.inputW
}

// Load reads sample i: the image resized to the input size as a (3,H,W)
// tensor in [0,1], and its labels padded to maxLabels rows of labelFields
// values. Malformed label lines are skipped, never propagated.
func (d *Dataset) Load(i int) (*tensor.Tensor, []float64, error) {
	f, err := os.Open(d.images[i])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s: %w", d.images[i], err)
	}

	if b := img.Bounds(); b.Dx() != d.inputW || b.Dy() != d.inputH {
		img = transform.Resize(img, d.inputW, d.inputH, transform.Linear)
	}

	labels, err := d.loadLabels(d.images[i])
	if err != nil {
		return nil, nil, err
	}
	return tensor.FromImage(img), labels, nil
}

// loadLabels reads the YOLO label file for an image and pads to maxLabels.
func (d *Dataset) loadLabels(imagePath string) ([]float64, error) {
	labels := make([]float64, d.maxLabels*labelFields)
	for l := 0; l < d.maxLabels; l++ {
		labels[l*labelFields] = InvalidClass
	}

	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	path := filepath.Join(d.labelDir, stem+".txt")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return labels, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	slot := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && slot < d.maxLabels {
		fields := strings.Fields(scanner.Text())
		if len(fields) != labelFields {
			continue
		}
		row := make([]float64, labelFields)
		ok := true
		for j, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				ok = false
				break
			}
			row[j] = v
		}
		if !ok || row[0] < 0 || row[3] <= 0 || row[4] <= 0 {
			continue
		}
		copy(labels[slot*labelFields:], row)
		slot++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	return labels, nil
}
