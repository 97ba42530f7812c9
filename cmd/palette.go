package main

import (
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/spf13/cobra"
)

var (
	paletteImage  string
	paletteColors int
	paletteOut    string
)

var paletteCmd = &cobra.Command{
	Use:   "palette",
	Short: "Build a printable-colors file from a printed swatch photo",
	Long: `Clusters the pixel colors of a scanned or photographed printer swatch in
Lab space and writes the cluster centers as the printable palette consumed by
the printability loss.`,
	RunE: runPalette,
}

func init() {
	paletteCmd.Flags().StringVar(&paletteImage, "image", "", "Swatch image path (required)")
	paletteCmd.Flags().IntVar(&paletteColors, "colors", 30, "Number of palette colors")
	paletteCmd.Flags().StringVar(&paletteOut, "out", "printable.txt", "Output palette file")

	paletteCmd.MarkFlagRequired("image")
	rootCmd.AddCommand(paletteCmd)
}

// maxObservations caps the pixels fed to the clusterer; swatch photos carry
// far more pixels than distinct printable colors.
const maxObservations = 20000

func runPalette(cmd *cobra.Command, args []string) error {
	if paletteColors <= 0 {
		return fmt.Errorf("colors must be positive, got %d", paletteColors)
	}

	img, err := imaging.Open(paletteImage)
	if err != nil {
		return fmt.Errorf("failed to open swatch image: %w", err)
	}

	obs := sampleObservations(img)
	if len(obs) < paletteColors {
		return fmt.Errorf("swatch has %d usable pixels, need at least %d", len(obs), paletteColors)
	}

	km := kmeans.New()
	partitions, err := km.Partition(obs, paletteColors)
	if err != nil {
		return fmt.Errorf("failed to cluster swatch colors: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# printable palette extracted from " + paletteImage + "\n")
	for _, cluster := range partitions {
		center := cluster.Center
		c := colorful.Lab(center[0], center[1], center[2]).Clamped()
		fmt.Fprintf(&sb, "%.6f,%.6f,%.6f\n", c.R, c.G, c.B)
	}
	if err := os.WriteFile(paletteOut, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write palette: %w", err)
	}

	fmt.Printf("Wrote %d printable colors to %s\n", len(partitions), paletteOut)
	return nil
}

// sampleObservations converts a subsample of the image pixels to Lab
// coordinates for clustering.
func sampleObservations(img image.Image) clusters.Observations {
	bounds := img.Bounds()
	pixels := bounds.Dx() * bounds.Dy()
	step := 1
	for pixels/(step*step) > maxObservations {
		step++
	}

	var obs clusters.Observations
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				continue // fully transparent pixel
			}
			l, a, b := c.Lab()
			obs = append(obs, clusters.Coordinates{l, a, b})
		}
	}
	return obs
}
