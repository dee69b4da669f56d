package model

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"

	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
)

// PlaceholderBreed is reported when no trained model is available.
const PlaceholderBreed = "Unknown"

// ModelType names the classifier in model info responses.
const ModelType = "Indian Cattle & Buffalo Breed Classifier"

// Metadata describes the exported model: tensor shapes, class order and
// the preprocessing it was trained with.
type Metadata struct {
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	Layout        string   `json:"layout,omitempty"`
	Normalization string   `json:"normalization,omitempty"`
	Interpolation string   `json:"interpolation,omitempty"`
	ApplySoftmax  bool     `json:"apply_softmax,omitempty"`
	InputName     string   `json:"input_name,omitempty"`
	OutputName    string   `json:"output_name,omitempty"`
}

// Candidate is one breed and its confidence in [0,1].
type Candidate struct {
	BreedName  string  `json:"breed_name"`
	Confidence float32 `json:"confidence"`
}

// Prediction is the ranked result for one image.
type Prediction struct {
	TopBreed    Candidate   `json:"top_breed"`
	Alternates  []Candidate `json:"alternates"`
	ModelLoaded bool        `json:"model_loaded"`
	Note        string      `json:"note,omitempty"`
}

// State is the classifier lifecycle state.
type State int

const (
	Unloaded State = iota
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "unloaded"
}

// Info summarises the classifier for the model info endpoint.
type Info struct {
	ModelType     string  `json:"model_type"`
	State         string  `json:"state"`
	ModelLoaded   bool    `json:"model_loaded"`
	NumClasses    int     `json:"num_classes"`
	InputShape    []int64 `json:"input_shape"`
	ImageSize     int     `json:"image_size"`
	Layout        string  `json:"layout"`
	Normalization string  `json:"normalization"`
	TopK          int     `json:"top_k"`
}

// Vocabulary is the breed catalog as seen by the classifier.
type Vocabulary interface {
	Vocabulary() []string
	Contains(id string) bool
	Len() int
}

// DefaultMetadata describes a 224x224 NHWC ImageNet-normalized model over
// classes, used when no metadata file ships with the deployment.
func DefaultMetadata(classes []string) Metadata {
	return Metadata{
		InputShape:    imaging.ShapeFor(imaging.LayoutNHWC, imaging.DefaultSize, imaging.DefaultSize),
		OutputShape:   []int64{1, int64(len(classes))},
		Classes:       append([]string(nil), classes...),
		ImageSize:     imaging.DefaultSize,
		Layout:        string(imaging.LayoutNHWC),
		Normalization: string(imaging.ScalingImageNet),
		InputName:     "input",
		OutputName:    "output",
	}
}

// LoadMetadata reads a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := sonic.Unmarshal(data, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}
	return metadata, nil
}

// Validate checks the metadata is self-consistent: the input shape must be
// exactly what the normalizer produces for image_size and layout, and the
// output must have one score per class.
func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		if seen[c] {
			return fmt.Errorf("duplicate class %q", c)
		}
		seen[c] = true
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("invalid image_size %d", m.ImageSize)
	}
	layout, err := imaging.ParseLayout(m.Layout)
	if err != nil {
		return err
	}
	if _, err := imaging.ParseScaling(m.Normalization); err != nil {
		return err
	}
	if m.Interpolation != "" && !imaging.KnownInterpolation(m.Interpolation) {
		return fmt.Errorf("unknown interpolation %q", m.Interpolation)
	}
	if want := imaging.ShapeFor(layout, m.ImageSize, m.ImageSize); !imaging.SameShape(m.InputShape, want) {
		return fmt.Errorf("input_shape %v does not match image_size %d with layout %s (want %v)",
			m.InputShape, m.ImageSize, layout, want)
	}
	if imaging.Volume(m.OutputShape) != len(m.Classes) {
		return fmt.Errorf("output_shape %v holds %d scores but %d classes are listed",
			m.OutputShape, imaging.Volume(m.OutputShape), len(m.Classes))
	}
	return nil
}

// CheckVocabulary requires the model classes to be exactly the catalog's
// breeds: same count and every class known.
func (m Metadata) CheckVocabulary(vocab Vocabulary) error {
	if vocab == nil {
		return nil
	}
	if len(m.Classes) != vocab.Len() {
		return fmt.Errorf("model has %d classes but the breed catalog has %d", len(m.Classes), vocab.Len())
	}
	for _, c := range m.Classes {
		if !vocab.Contains(c) {
			return fmt.Errorf("model class %q is not in the breed catalog", c)
		}
	}
	return nil
}

// NormalizerOptions derives preprocessing options that satisfy this model's
// input contract. Size, layout and scaling always come from the model; the
// resize filter does too when the export recorded one, so inference resizes
// the way training data was resized.
func (m Metadata) NormalizerOptions(base imaging.Options) imaging.Options {
	base.Width = m.ImageSize
	base.Height = m.ImageSize
	base.Layout, _ = imaging.ParseLayout(m.Layout)
	base.Scaling, _ = imaging.ParseScaling(m.Normalization)
	if m.Interpolation != "" {
		base.Interpolation = m.Interpolation
	}
	return base
}
