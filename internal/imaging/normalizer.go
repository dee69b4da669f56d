package imaging

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	// Registered so that these formats are recognised and rejected with a
	// clear message instead of "unknown format".
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

// DefaultSize is the classifier input resolution in pixels (square).
const DefaultSize = 224

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
}

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// KnownInterpolation reports whether name selects a supported resize filter.
func KnownInterpolation(name string) bool {
	_, ok := interpolations[strings.ToLower(name)]
	return ok
}

// Options fixes every preprocessing decision. The same options must be used
// for training data export and inference.
type Options struct {
	Width         int
	Height        int
	Layout        Layout
	Scaling       Scaling
	Interpolation string
	Enhance       bool
	MinDimension  int
	MaxPixels     int64
}

// DefaultOptions returns 224x224 NHWC ImageNet-normalized tensors.
func DefaultOptions() Options {
	return Options{
		Width:         DefaultSize,
		Height:        DefaultSize,
		Layout:        LayoutNHWC,
		Scaling:       ScalingImageNet,
		Interpolation: "bilinear",
		Enhance:       true,
		MinDimension:  50,
		MaxPixels:     40_000_000,
	}
}

// Normalizer turns encoded image bytes into classifier input tensors. It is
// stateless after construction and safe for concurrent use.
type Normalizer struct {
	opts   Options
	interp resize.InterpolationFunction
	logger *slog.Logger
}

func NewNormalizer(opts Options, logger *slog.Logger) (*Normalizer, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", opts.Width, opts.Height)
	}
	if _, err := ParseLayout(string(opts.Layout)); err != nil {
		return nil, err
	}
	if _, err := ParseScaling(string(opts.Scaling)); err != nil {
		return nil, err
	}
	if opts.Layout == "" {
		opts.Layout = LayoutNHWC
	}
	if opts.Scaling == "" {
		opts.Scaling = ScalingImageNet
	}
	interp, ok := interpolations[strings.ToLower(opts.Interpolation)]
	if !ok {
		return nil, fmt.Errorf("unknown interpolation %q", opts.Interpolation)
	}
	if opts.MinDimension < 1 {
		opts.MinDimension = 1
	}

	return &Normalizer{
		opts:   opts,
		interp: interp,
		logger: logging.OrDefault(logger),
	}, nil
}

// Shape is the shape of every tensor this normalizer produces.
func (n *Normalizer) Shape() []int64 {
	return ShapeFor(n.opts.Layout, n.opts.Width, n.opts.Height)
}

func (n *Normalizer) Options() Options { return n.opts }

// NormalizeFile opens path, normalizes it and closes it before returning.
func (n *Normalizer) NormalizeFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	return n.Normalize(f)
}

// Normalize decodes, validates, enhances, resizes and scales an image.
// Decoding problems are returned as decode-kind errors; anything else is an
// I/O fault.
func (n *Normalizer) Normalize(rs io.ReadSeeker) (*Tensor, error) {
	const op = "imaging.normalize"

	cfg, format, err := image.DecodeConfig(rs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecode, op, "unrecognised image data", err)
	}
	if !supportedFormats[format] {
		return nil, apperrors.New(apperrors.KindDecode, op, fmt.Sprintf("unsupported image format %q", format))
	}
	if cfg.Width < n.opts.MinDimension || cfg.Height < n.opts.MinDimension {
		return nil, apperrors.New(apperrors.KindDecode, op, fmt.Sprintf(
			"image too small: %dx%d (min %dx%d)", cfg.Width, cfg.Height, n.opts.MinDimension, n.opts.MinDimension))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > n.opts.MaxPixels {
		return nil, apperrors.New(apperrors.KindDecode, op, fmt.Sprintf(
			"image too large: %d pixels (max %d)", pixels, n.opts.MaxPixels))
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind image: %w", err)
	}
	img, _, err := image.Decode(rs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecode, op, "corrupt image data", err)
	}

	n.logger.Debug("image decoded", "format", format, "width", cfg.Width, "height", cfg.Height)

	rgb := toRGB(img)
	if n.opts.Enhance {
		rgb = enhance(rgb)
	}
	resized := resize.Resize(uint(n.opts.Width), uint(n.opts.Height), rgb, n.interp)

	return n.tensorFrom(resized), nil
}

// toRGB copies img onto an opaque 8-bit canvas. This is the only colour model
// conversion in the pipeline: output channels are R, G, B and alpha is
// discarded. Non-premultiplied sources keep their stored RGB values even
// where alpha is zero; other models go through draw, which premultiplies.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src := img.(type) {
	case *image.NRGBA:
		row := 4 * b.Dx()
		for y := 0; y < b.Dy(); y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+row], src.Pix[si:si+row])
		}
	case *image.NRGBA64:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := src.NRGBA64At(b.Min.X+x, b.Min.Y+y)
				i := y*dst.Stride + 4*x
				dst.Pix[i] = uint8(c.R >> 8)
				dst.Pix[i+1] = uint8(c.G >> 8)
				dst.Pix[i+2] = uint8(c.B >> 8)
			}
		}
	default:
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// tensorFrom scales 8-bit RGB values: v = x/255, then (v-mean)/std for
// ImageNet scaling.
func (n *Normalizer) tensorFrom(img image.Image) *Tensor {
	width, height := n.opts.Width, n.opts.Height
	shape := n.Shape()
	data := make([]float32, Volume(shape))
	b := img.Bounds()
	plane := width * height

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [Channels]float32{
				float32(r>>8) / 255.0,
				float32(g>>8) / 255.0,
				float32(bl>>8) / 255.0,
			}
			if n.opts.Scaling == ScalingImageNet {
				for c := 0; c < Channels; c++ {
					px[c] = (px[c] - ImageNetMean[c]) / ImageNetStd[c]
				}
			}

			pixelIndex := y*width + x
			for c := 0; c < Channels; c++ {
				if n.opts.Layout == LayoutNCHW {
					data[c*plane+pixelIndex] = px[c]
				} else {
					data[pixelIndex*Channels+c] = px[c]
				}
			}
		}
	}

	return &Tensor{Shape: shape, Data: data}
}
