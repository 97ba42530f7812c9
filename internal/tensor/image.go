package tensor

import (
	"image"
	"image/color"
)

// FromImage converts an image to a 3xHxW tensor with channels in [0,1].
// Alpha is ignored; the tensor carries RGB only.
func FromImage(img image.Image) *Tensor {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	t := New(3, h, w)

	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*w + x
			t.Data[i] = float64(r) / 65535.0
			t.Data[plane+i] = float64(g) / 65535.0
			t.Data[2*plane+i] = float64(b) / 65535.0
		}
	}
	return t
}

// ToNRGBA converts a 3xHxW tensor in [0,1] to an opaque NRGBA image.
// Values outside [0,1] are clipped during quantization.
func ToNRGBA(t *Tensor) *image.NRGBA {
	h, w := t.Shape[1], t.Shape[2]
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: quantize(t.Data[i]),
				G: quantize(t.Data[plane+i]),
				B: quantize(t.Data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img
}

func quantize(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
