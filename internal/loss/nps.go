package loss

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// NPSLoss is the non-printability score: the mean over all patch pixels of
// the Euclidean distance to the nearest color in a fixed printable palette.
// Zero iff every pixel exactly matches a palette color; lower means the
// patch is easier to reproduce on a physical printer.
type NPSLoss struct {
	palette [][3]float64
}

// NewNPSLoss creates the loss from an in-memory palette of RGB triplets in
// [0,1]. The palette must not be empty.
func NewNPSLoss(palette [][3]float64) (*NPSLoss, error) {
	if len(palette) == 0 {
		return nil, fmt.Errorf("printable palette is empty")
	}
	return &NPSLoss{palette: palette}, nil
}

// LoadNPSLoss reads the printable palette from a file with one comma
// separated r,g,b triplet per line, values in [0,1].
func LoadNPSLoss(path string) (*NPSLoss, error) {
	palette, err := LoadPalette(path)
	if err != nil {
		return nil, err
	}
	return NewNPSLoss(palette)
}

// LoadPalette parses a printable-colors file. Blank lines and lines starting
// with '#' are skipped.
func LoadPalette(path string) ([][3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open palette file: %w", err)
	}
	defer f.Close()

	var palette [][3]float64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("palette line %d: want 3 comma-separated values, got %d", lineNo, len(parts))
		}
		var c [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("palette line %d: %w", lineNo, err)
			}
			if v < 0 || v > 1 {
				return nil, fmt.Errorf("palette line %d: value %g outside [0,1]", lineNo, v)
			}
			c[i] = v
		}
		palette = append(palette, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read palette file: %w", err)
	}
	return palette, nil
}

// Palette returns the loaded printable colors.
func (l *NPSLoss) Palette() [][3]float64 {
	return l.palette
}

// Forward computes the loss and its gradient with respect to the patch.
// The gradient routes each pixel toward its nearest palette color.
func (l *NPSLoss) Forward(patch *tensor.Tensor) (float64, *tensor.Tensor) {
	ph, pw := patch.Shape[1], patch.Shape[2]
	plane := ph * pw
	grad := tensor.New(patch.Shape...)

	sum := 0.0
	for pix := 0; pix < plane; pix++ {
		r := patch.Data[pix]
		g := patch.Data[plane+pix]
		b := patch.Data[2*plane+pix]

		best := math.Inf(1)
		var bestColor [3]float64
		for _, c := range l.palette {
			dr, dg, db := r-c[0], g-c[1], b-c[2]
			d := dr*dr + dg*dg + db*db
			if d < best {
				best = d
				bestColor = c
			}
		}

		dist := math.Sqrt(best)
		sum += dist
		if dist > 0 {
			// d|p-c|/dp = (p-c)/|p-c|, averaged over pixels.
			inv := 1 / (dist * float64(plane))
			grad.Data[pix] += (r - bestColor[0]) * inv
			grad.Data[plane+pix] += (g - bestColor[1]) * inv
			grad.Data[2*plane+pix] += (b - bestColor[2]) * inv
		}
	}
	return sum / float64(plane), grad
}
