package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newNormalizer(t *testing.T, mutate func(*Options)) *Normalizer {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	n, err := NewNormalizer(opts, logging.Discard())
	require.NoError(t, err)
	return n
}

func TestNormalize_ShapeIndependentOfInput(t *testing.T) {
	sizes := [][2]int{{224, 224}, {50, 50}, {800, 600}, {60, 300}, {1001, 51}}
	layouts := []Layout{LayoutNHWC, LayoutNCHW}

	for _, layout := range layouts {
		n := newNormalizer(t, func(o *Options) { o.Layout = layout })
		for _, size := range sizes {
			img := gradient(size[0], size[1])
			for name, data := range map[string][]byte{"png": encodePNG(t, img), "jpeg": encodeJPEG(t, img)} {
				tensor, err := n.Normalize(bytes.NewReader(data))
				require.NoError(t, err, "%s %s %v", layout, name, size)
				assert.Equal(t, n.Shape(), tensor.Shape)
				assert.Len(t, tensor.Data, Volume(n.Shape()))
			}
		}
	}

	assert.Equal(t, []int64{1, 224, 224, 3}, ShapeFor(LayoutNHWC, 224, 224))
	assert.Equal(t, []int64{1, 3, 224, 224}, ShapeFor(LayoutNCHW, 224, 224))
}

func TestNormalize_UnitScalingNCHW(t *testing.T) {
	n := newNormalizer(t, func(o *Options) {
		o.Layout = LayoutNCHW
		o.Scaling = ScalingUnit
		o.Enhance = false
		o.Width, o.Height = 32, 32
		o.MinDimension = 1
	})

	data := encodePNG(t, solid(64, 64, color.NRGBA{R: 255, G: 0, B: 51, A: 255}))
	tensor, err := n.Normalize(bytes.NewReader(data))
	require.NoError(t, err)

	plane := 32 * 32
	for i := 0; i < plane; i++ {
		require.InDelta(t, 1.0, tensor.Data[i], 1e-6)
		require.InDelta(t, 0.0, tensor.Data[plane+i], 1e-6)
		require.InDelta(t, 0.2, tensor.Data[2*plane+i], 1e-6)
	}
}

func TestNormalize_AlphaIsDroppedWithoutDarkening(t *testing.T) {
	n := newNormalizer(t, func(o *Options) {
		o.Scaling = ScalingUnit
		o.Enhance = false
		o.Width, o.Height = 8, 8
		o.MinDimension = 1
	})

	for _, alpha := range []uint8{0, 128, 255} {
		data := encodePNG(t, solid(64, 64, color.NRGBA{R: 200, G: 100, B: 50, A: alpha}))
		tensor, err := n.Normalize(bytes.NewReader(data))
		require.NoError(t, err, "alpha %d", alpha)

		for i := 0; i < len(tensor.Data); i += 3 {
			require.InDelta(t, 200.0/255, tensor.Data[i], 1.0/255, "alpha %d", alpha)
			require.InDelta(t, 100.0/255, tensor.Data[i+1], 1.0/255, "alpha %d", alpha)
			require.InDelta(t, 50.0/255, tensor.Data[i+2], 1.0/255, "alpha %d", alpha)
		}
	}
}

func TestToRGB_CopiesSubImageRows(t *testing.T) {
	src := gradient(16, 16)
	src.Pix[src.PixOffset(5, 6)+3] = 0
	sub := src.SubImage(image.Rect(4, 4, 12, 10)).(*image.NRGBA)

	dst := toRGB(sub)
	require.Equal(t, image.Rect(0, 0, 8, 6), dst.Bounds())
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			want := src.NRGBAAt(4+x, 4+y)
			want.A = 255
			require.Equal(t, want, dst.NRGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestNormalize_ImageNetScalingNHWC(t *testing.T) {
	n := newNormalizer(t, func(o *Options) {
		o.Enhance = false
		o.Width, o.Height = 16, 16
		o.MinDimension = 1
	})

	data := encodePNG(t, solid(16, 16, color.NRGBA{R: 255, G: 255, B: 0, A: 255}))
	tensor, err := n.Normalize(bytes.NewReader(data))
	require.NoError(t, err)

	wantR := (1 - ImageNetMean[0]) / ImageNetStd[0]
	wantG := (1 - ImageNetMean[1]) / ImageNetStd[1]
	wantB := (0 - ImageNetMean[2]) / ImageNetStd[2]
	for i := 0; i < 16*16; i++ {
		require.InDelta(t, wantR, tensor.Data[i*3], 1e-5)
		require.InDelta(t, wantG, tensor.Data[i*3+1], 1e-5)
		require.InDelta(t, wantB, tensor.Data[i*3+2], 1e-5)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	n := newNormalizer(t, nil)
	data := encodeJPEG(t, gradient(320, 240))

	first, err := n.Normalize(bytes.NewReader(data))
	require.NoError(t, err)
	second, err := n.Normalize(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)

	for _, v := range first.Data {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestNormalize_DecodeErrors(t *testing.T) {
	full := encodeJPEG(t, gradient(224, 224))

	var gifBuf bytes.Buffer
	require.NoError(t, gif.Encode(&gifBuf, gradient(64, 64), nil))

	tests := []struct {
		name   string
		data   []byte
		mutate func(*Options)
	}{
		{name: "text", data: []byte("these are my field notes")},
		{name: "empty", data: nil},
		{name: "truncated jpeg", data: full[:len(full)/2]},
		{name: "gif is unsupported", data: gifBuf.Bytes()},
		{name: "too small", data: encodePNG(t, gradient(20, 80))},
		{name: "too many pixels", data: encodePNG(t, gradient(100, 100)), mutate: func(o *Options) { o.MaxPixels = 5000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNormalizer(t, tt.mutate)
			_, err := n.Normalize(bytes.NewReader(tt.data))
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindDecode), "got %v", err)
		})
	}
}

func TestNormalizeFile(t *testing.T) {
	n := newNormalizer(t, nil)
	path := filepath.Join(t.TempDir(), "cow.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, gradient(120, 90)), 0o600))

	tensor, err := n.NormalizeFile(path)
	require.NoError(t, err)
	assert.Equal(t, n.Shape(), tensor.Shape)

	// The file handle must be released, so removal succeeds.
	require.NoError(t, os.Remove(path))

	_, err = n.NormalizeFile(path)
	require.Error(t, err)
	assert.False(t, apperrors.IsKind(err, apperrors.KindDecode), "missing file is an I/O fault")
}

func TestNewNormalizer_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "zero size", mutate: func(o *Options) { o.Width = 0 }},
		{name: "layout", mutate: func(o *Options) { o.Layout = "hwc" }},
		{name: "scaling", mutate: func(o *Options) { o.Scaling = "zscore" }},
		{name: "interpolation", mutate: func(o *Options) { o.Interpolation = "area" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := NewNormalizer(opts, nil)
			assert.Error(t, err)
		})
	}
}
