package model

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync"

	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

// DefaultTopK is the number of candidates returned per prediction.
const DefaultTopK = 5

// probabilityTolerance absorbs float32 rounding in model outputs.
const probabilityTolerance = 1e-3

// Backend runs one forward pass over a flattened input tensor and returns
// the raw output scores.
type Backend interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Options locates the model artifact.
type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	TopK         int
	Vocabulary   Vocabulary
}

// Classifier holds the process-wide model. Its state is fixed when it is
// constructed: Loaded when a backend is bound, Unloaded otherwise.
type Classifier struct {
	metadata Metadata
	backend  Backend
	topK     int
	logger   *slog.Logger

	// mu serializes forward passes; backends may hold shared buffers.
	mu sync.Mutex
}

// Open builds the classifier from files on disk. A missing model file gives
// an Unloaded classifier. A model file that is present but cannot be loaded,
// or whose metadata is missing, corrupt or disagrees with the breed catalog,
// is a startup error.
func Open(opts Options, logger *slog.Logger) (*Classifier, error) {
	const op = "model.open"
	logger = logging.OrDefault(logger)

	modelPresent, err := exists(opts.ModelPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, op, "cannot stat model file", err)
	}
	metadataPresent, err := exists(opts.MetadataPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, op, "cannot stat metadata file", err)
	}

	var metadata Metadata
	switch {
	case metadataPresent:
		metadata, err = LoadMetadata(opts.MetadataPath)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindStartup, op, "invalid model metadata", err)
		}
	case modelPresent:
		return nil, apperrors.New(apperrors.KindStartup, op,
			fmt.Sprintf("model %s has no metadata file at %s", opts.ModelPath, opts.MetadataPath))
	case opts.Vocabulary != nil:
		metadata = DefaultMetadata(opts.Vocabulary.Vocabulary())
	default:
		return nil, apperrors.New(apperrors.KindStartup, op, "no metadata and no vocabulary to derive it from")
	}

	if err := metadata.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, op, "inconsistent model metadata", err)
	}
	if err := metadata.CheckVocabulary(opts.Vocabulary); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, op, "model vocabulary mismatch", err)
	}

	if !modelPresent {
		logger.Warn("model file not found, serving placeholder predictions", "path", opts.ModelPath)
		return New(metadata, nil, opts.TopK, logger)
	}

	logger.Info("loading model", "path", opts.ModelPath, "classes", len(metadata.Classes))
	backend, err := newONNXBackend(opts.ModelPath, opts.LibraryPath, metadata)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, op, "cannot load model", err)
	}
	return New(metadata, backend, opts.TopK, logger)
}

// New binds metadata to a backend. A nil backend yields an Unloaded
// classifier.
func New(metadata Metadata, backend Backend, topK int, logger *slog.Logger) (*Classifier, error) {
	if err := metadata.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStartup, "model.new", "inconsistent model metadata", err)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > len(metadata.Classes) {
		topK = len(metadata.Classes)
	}
	return &Classifier{
		metadata: metadata,
		backend:  backend,
		topK:     topK,
		logger:   logging.OrDefault(logger),
	}, nil
}

func (c *Classifier) State() State {
	if c.backend == nil {
		return Unloaded
	}
	return Loaded
}

func (c *Classifier) Metadata() Metadata { return c.metadata }

func (c *Classifier) Info() Info {
	return Info{
		ModelType:     ModelType,
		State:         c.State().String(),
		ModelLoaded:   c.State() == Loaded,
		NumClasses:    len(c.metadata.Classes),
		InputShape:    c.metadata.InputShape,
		ImageSize:     c.metadata.ImageSize,
		Layout:        c.metadata.Layout,
		Normalization: c.metadata.Normalization,
		TopK:          c.topK,
	}
}

// Predict ranks the breeds for one normalized image. A tensor that does not
// match the model input, a failing backend or a malformed output is an
// inference error.
func (c *Classifier) Predict(tensor *imaging.Tensor) (*Prediction, error) {
	const op = "model.predict"

	if tensor == nil {
		return nil, apperrors.New(apperrors.KindInference, op, "nil tensor")
	}
	if !imaging.SameShape(tensor.Shape, c.metadata.InputShape) || len(tensor.Data) != imaging.Volume(c.metadata.InputShape) {
		return nil, apperrors.New(apperrors.KindInference, op, fmt.Sprintf(
			"tensor shape %v with %d values does not match model input %v",
			tensor.Shape, len(tensor.Data), c.metadata.InputShape))
	}

	if c.backend == nil {
		return placeholder(), nil
	}

	c.mu.Lock()
	scores, err := c.backend.Run(tensor.Data)
	c.mu.Unlock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, op, "forward pass failed", err)
	}

	probs, err := c.probabilities(scores)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, op, "invalid model output", err)
	}

	ranked := Rank(c.metadata.Classes, probs, c.topK)
	return &Prediction{
		TopBreed:    ranked[0],
		Alternates:  ranked[1:],
		ModelLoaded: true,
	}, nil
}

func (c *Classifier) probabilities(scores []float32) ([]float32, error) {
	if len(scores) != len(c.metadata.Classes) {
		return nil, fmt.Errorf("got %d scores for %d classes", len(scores), len(c.metadata.Classes))
	}
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("score %d is %v", i, s)
		}
	}
	if c.metadata.ApplySoftmax {
		return Softmax(scores), nil
	}

	var sum float64
	for i, s := range scores {
		if s < -probabilityTolerance || s > 1+probabilityTolerance {
			return nil, fmt.Errorf("score %d = %v is not a probability (set apply_softmax for logits)", i, s)
		}
		sum += float64(s)
	}
	if sum > 1+probabilityTolerance {
		return nil, fmt.Errorf("scores sum to %.4f, expected at most 1", sum)
	}

	// Scores inside the tolerance band may still sit just outside [0,1].
	probs := make([]float32, len(scores))
	for i, s := range scores {
		probs[i] = min(max(s, 0), 1)
	}
	return probs, nil
}

func (c *Classifier) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func placeholder() *Prediction {
	return &Prediction{
		TopBreed:    Candidate{BreedName: PlaceholderBreed, Confidence: 0},
		Alternates:  []Candidate{},
		ModelLoaded: false,
		Note:        "model not loaded; placeholder prediction",
	}
}

func exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
