package imaging

import (
	"image"
	"math"
)

// Enhancement factors applied before resizing. A factor of 1 leaves the
// image unchanged.
const (
	BrightnessFactor = 1.1
	ContrastFactor   = 1.1
	SharpnessFactor  = 1.05
)

// enhance applies brightness, contrast and sharpness in that order. Each step
// blends the image with a degenerate version of itself:
// out = degenerate + factor*(img - degenerate).
func enhance(img *image.NRGBA) *image.NRGBA {
	out := brightness(img, BrightnessFactor)
	out = contrast(out, ContrastFactor)
	return sharpness(out, SharpnessFactor)
}

// brightness blends against black.
func brightness(img *image.NRGBA, factor float64) *image.NRGBA {
	out := image.NewNRGBA(img.Rect)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = clamp8(float64(img.Pix[i+c]) * factor)
		}
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// contrast blends against a flat grey at the mean luminance.
func contrast(img *image.NRGBA, factor float64) *image.NRGBA {
	mean := math.Floor(meanLuminance(img) + 0.5)
	out := image.NewNRGBA(img.Rect)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			out.Pix[i+c] = clamp8(mean + factor*(float64(img.Pix[i+c])-mean))
		}
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// sharpness blends against a 3x3 smoothed copy (centre weight 5, others 1).
// Border pixels have no full neighbourhood and are left as is.
func sharpness(img *image.NRGBA, factor float64) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	if w < 3 || h < 3 {
		return out
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*img.Stride + x*4
			for c := 0; c < 3; c++ {
				sum := 0.0
				for dy := -1; dy <= 1; dy++ {
					row := (y + dy) * img.Stride
					for dx := -1; dx <= 1; dx++ {
						sum += float64(img.Pix[row+(x+dx)*4+c])
					}
				}
				centre := float64(img.Pix[i+c])
				smooth := (sum + 4*centre) / 13
				out.Pix[i+c] = clamp8(smooth + factor*(centre-smooth))
			}
		}
	}
	return out
}

// meanLuminance uses ITU-R 601-2 luma weights.
func meanLuminance(img *image.NRGBA) float64 {
	n := len(img.Pix) / 4
	if n == 0 {
		return 0
	}
	var total float64
	for i := 0; i < len(img.Pix); i += 4 {
		r, g, b := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
		total += math.Floor((r*299 + g*587 + b*114) / 1000)
	}
	return total / float64(n)
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
