package imaging

import "fmt"

// Layout is the memory order of a single-image tensor.
type Layout string

const (
	// LayoutNHWC is [1, height, width, channels], the Keras convention.
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is [1, channels, height, width], the PyTorch/ONNX export convention.
	LayoutNCHW Layout = "nchw"
)

// Scaling selects how 8-bit channel values become floats.
type Scaling string

const (
	// ScalingImageNet divides by 255 then applies ImageNet mean/std per channel.
	ScalingImageNet Scaling = "imagenet"
	// ScalingUnit divides by 255 only, giving values in [0,1].
	ScalingUnit Scaling = "unit"
)

// Channels is fixed: tensors are always RGB.
const Channels = 3

// ImageNet statistics in RGB order.
var (
	ImageNetMean = [Channels]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 tensor holding one normalized image.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// ParseLayout accepts "nhwc" or "nchw"; empty defaults to NHWC.
func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutNHWC:
		return LayoutNHWC, nil
	case LayoutNCHW:
		return LayoutNCHW, nil
	}
	return "", fmt.Errorf("unknown tensor layout %q", s)
}

// ParseScaling accepts "imagenet" or "unit"; empty defaults to ImageNet.
func ParseScaling(s string) (Scaling, error) {
	switch Scaling(s) {
	case "", ScalingImageNet:
		return ScalingImageNet, nil
	case ScalingUnit:
		return ScalingUnit, nil
	}
	return "", fmt.Errorf("unknown scaling %q", s)
}

// ShapeFor returns the input shape for an image of the given size.
func ShapeFor(layout Layout, width, height int) []int64 {
	if layout == LayoutNCHW {
		return []int64{1, Channels, int64(height), int64(width)}
	}
	return []int64{1, int64(height), int64(width), Channels}
}

// Volume is the number of elements a tensor of shape holds.
func Volume(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
