package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

type stubBackend struct {
	scores []float32
	err    error
	calls  atomic.Int32
}

func (s *stubBackend) Run(input []float32) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.scores...), nil
}

func (s *stubBackend) Close() error { return nil }

type stubVocab []string

func (v stubVocab) Vocabulary() []string { return v }
func (v stubVocab) Len() int             { return len(v) }
func (v stubVocab) Contains(id string) bool {
	for _, b := range v {
		if b == id {
			return true
		}
	}
	return false
}

var threeBreeds = []string{"Gir", "Sahiwal", "Kankrej"}

func inputFor(meta Metadata) *imaging.Tensor {
	return &imaging.Tensor{
		Shape: append([]int64(nil), meta.InputShape...),
		Data:  make([]float32, imaging.Volume(meta.InputShape)),
	}
}

func newLoaded(t *testing.T, classes []string, backend Backend, topK int) *Classifier {
	t.Helper()
	c, err := New(DefaultMetadata(classes), backend, topK, logging.Discard())
	require.NoError(t, err)
	return c
}

func TestPredict_KnownBreed(t *testing.T) {
	backend := &stubBackend{scores: []float32{0.91, 0.06, 0.03}}
	c := newLoaded(t, threeBreeds, backend, 5)
	assert.Equal(t, Loaded, c.State())

	got, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)

	assert.Equal(t, &Prediction{
		TopBreed: Candidate{BreedName: "Gir", Confidence: 0.91},
		Alternates: []Candidate{
			{BreedName: "Sahiwal", Confidence: 0.06},
			{BreedName: "Kankrej", Confidence: 0.03},
		},
		ModelLoaded: true,
	}, got)
}

func TestPredict_OrderingAndTopK(t *testing.T) {
	classes := []string{"Gir", "Sahiwal", "Red_Sindhi", "Tharparkar", "Rathi", "Kankrej", "Ongole"}
	scores := []float32{0.05, 0.30, 0.05, 0.30, 0.10, 0.15, 0.05}
	c := newLoaded(t, classes, &stubBackend{scores: scores}, 5)

	got, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)

	all := append([]Candidate{got.TopBreed}, got.Alternates...)
	require.Len(t, all, 5)
	assert.Equal(t, []Candidate{
		{"Sahiwal", 0.30},
		{"Tharparkar", 0.30},
		{"Kankrej", 0.15},
		{"Rathi", 0.10},
		{"Gir", 0.05},
	}, all)

	var sum float64
	for i, cand := range all {
		sum += float64(cand.Confidence)
		if i > 0 {
			prev := all[i-1]
			require.True(t, prev.Confidence > cand.Confidence ||
				(prev.Confidence == cand.Confidence && prev.BreedName < cand.BreedName))
		}
	}
	assert.LessOrEqual(t, sum, 1.0+1e-6)
}

func TestPredict_TopKClampedToVocabulary(t *testing.T) {
	c := newLoaded(t, []string{"Gir", "Sahiwal"}, &stubBackend{scores: []float32{0.4, 0.6}}, 10)
	got, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)
	assert.Equal(t, "Sahiwal", got.TopBreed.BreedName)
	assert.Len(t, got.Alternates, 1)
	assert.Equal(t, 2, c.Info().TopK)
}

func TestPredict_TopOneHasEmptyAlternates(t *testing.T) {
	c := newLoaded(t, threeBreeds, &stubBackend{scores: []float32{0.2, 0.7, 0.1}}, 1)
	got, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)
	assert.NotNil(t, got.Alternates)
	assert.Empty(t, got.Alternates)
}

func TestPredict_Softmax(t *testing.T) {
	meta := DefaultMetadata(threeBreeds)
	meta.ApplySoftmax = true
	c, err := New(meta, &stubBackend{scores: []float32{2.0, 1.0, -3.5}}, 3, logging.Discard())
	require.NoError(t, err)

	got, err := c.Predict(inputFor(meta))
	require.NoError(t, err)

	sum := got.TopBreed.Confidence
	for _, a := range got.Alternates {
		sum += a.Confidence
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, "Gir", got.TopBreed.BreedName)
}

func TestPredict_Unloaded(t *testing.T) {
	c, err := New(DefaultMetadata(threeBreeds), nil, 5, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, Unloaded, c.State())

	got, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)
	assert.False(t, got.ModelLoaded)
	assert.Equal(t, PlaceholderBreed, got.TopBreed.BreedName)
	assert.Zero(t, got.TopBreed.Confidence)
	assert.Empty(t, got.Alternates)
	assert.NotEmpty(t, got.Note)

	again, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)
	assert.Equal(t, got, again, "placeholder is deterministic")
}

func TestPredict_InferenceErrors(t *testing.T) {
	good := DefaultMetadata(threeBreeds)
	wrongShape := &imaging.Tensor{Shape: []int64{1, 3, 224, 224}, Data: make([]float32, 3*224*224)}
	shortData := &imaging.Tensor{Shape: good.InputShape, Data: make([]float32, 10)}

	tests := []struct {
		name    string
		backend *stubBackend
		tensor  *imaging.Tensor
	}{
		{name: "nil tensor", backend: &stubBackend{scores: []float32{1, 0, 0}}},
		{name: "layout mismatch", backend: &stubBackend{scores: []float32{1, 0, 0}}, tensor: wrongShape},
		{name: "short data", backend: &stubBackend{scores: []float32{1, 0, 0}}, tensor: shortData},
		{name: "backend failure", backend: &stubBackend{err: errors.New("cuda oom")}, tensor: inputFor(good)},
		{name: "wrong output length", backend: &stubBackend{scores: []float32{0.5, 0.5}}, tensor: inputFor(good)},
		{name: "nan", backend: &stubBackend{scores: []float32{float32(math.NaN()), 0, 0}}, tensor: inputFor(good)},
		{name: "logits without softmax", backend: &stubBackend{scores: []float32{4.2, -1, 0.3}}, tensor: inputFor(good)},
		{name: "sum above one", backend: &stubBackend{scores: []float32{0.8, 0.8, 0.1}}, tensor: inputFor(good)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newLoaded(t, threeBreeds, tt.backend, 5)
			_, err := c.Predict(tt.tensor)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindInference), "got %v", err)
		})
	}
}

func TestPredict_ScoresWithinToleranceAreClamped(t *testing.T) {
	c := newLoaded(t, threeBreeds, &stubBackend{scores: []float32{1.0005, -0.0005, 0}}, 3)

	pred, err := c.Predict(inputFor(c.Metadata()))
	require.NoError(t, err)
	assert.Equal(t, "Gir", pred.TopBreed.BreedName)
	assert.Equal(t, float32(1), pred.TopBreed.Confidence)
	for _, alt := range pred.Alternates {
		assert.GreaterOrEqual(t, alt.Confidence, float32(0), alt.BreedName)
		assert.LessOrEqual(t, alt.Confidence, float32(1), alt.BreedName)
	}
}

func TestPredict_UnloadedStillChecksShape(t *testing.T) {
	c, err := New(DefaultMetadata(threeBreeds), nil, 5, logging.Discard())
	require.NoError(t, err)
	_, err = c.Predict(&imaging.Tensor{Shape: []int64{1}, Data: []float32{0}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInference))
}

type overlapBackend struct {
	active  atomic.Int32
	overlap atomic.Bool
}

func (b *overlapBackend) Run(input []float32) ([]float32, error) {
	if b.active.Add(1) > 1 {
		b.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	b.active.Add(-1)
	return []float32{0.5, 0.3, 0.2}, nil
}

func (b *overlapBackend) Close() error { return nil }

func TestPredict_SerializesForwardPass(t *testing.T) {
	backend := &overlapBackend{}
	c := newLoaded(t, threeBreeds, backend, 3)
	input := inputFor(c.Metadata())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Predict(input)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, backend.overlap.Load(), "forward passes overlapped")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validMetadata = `{
  "input_shape": [1, 3, 128, 128],
  "output_shape": [1, 3],
  "classes": ["Gir", "Sahiwal", "Kankrej"],
  "image_size": 128,
  "layout": "nchw",
  "normalization": "unit"
}`

func TestOpen_MissingModelIsUnloaded(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{
		ModelPath:    filepath.Join(dir, "absent.onnx"),
		MetadataPath: filepath.Join(dir, "absent.json"),
		TopK:         5,
		Vocabulary:   stubVocab(threeBreeds),
	}, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, Unloaded, c.State())
	assert.Equal(t, threeBreeds, c.Metadata().Classes)
	assert.Equal(t, []int64{1, 224, 224, 3}, c.Metadata().InputShape)
	assert.False(t, c.Info().ModelLoaded)
	assert.NoError(t, c.Close())
}

func TestOpen_MissingModelUsesShippedMetadata(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(Options{
		ModelPath:    filepath.Join(dir, "absent.onnx"),
		MetadataPath: writeFile(t, dir, "meta.json", validMetadata),
		Vocabulary:   stubVocab(threeBreeds),
	}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 128, 128}, c.Metadata().InputShape)
	assert.Equal(t, "input", c.Metadata().InputName)

	opts := c.Metadata().NormalizerOptions(imaging.DefaultOptions())
	assert.Equal(t, 128, opts.Width)
	assert.Equal(t, imaging.LayoutNCHW, opts.Layout)
	assert.Equal(t, imaging.ScalingUnit, opts.Scaling)
}

func TestMetadata_InterpolationFollowsExport(t *testing.T) {
	base := imaging.DefaultOptions()
	base.Interpolation = "bilinear"

	tests := []struct {
		name   string
		export string
		want   string
	}{
		{name: "not recorded", export: "", want: "bilinear"},
		{name: "recorded", export: "lanczos3", want: "lanczos3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultMetadata(threeBreeds)
			m.Interpolation = tt.export
			require.NoError(t, m.Validate())
			assert.Equal(t, tt.want, m.NormalizerOptions(base).Interpolation)
		})
	}

	m := DefaultMetadata(threeBreeds)
	m.Interpolation = "area"
	assert.Error(t, m.Validate())
}

func TestDefaultMetadata_KeepsCatalogOrder(t *testing.T) {
	vocab := stubVocab{"Tharparkar", "Gir", "Ongole", "Amrit_Mahal"}
	m := DefaultMetadata(vocab.Vocabulary())
	assert.Equal(t, []string{"Tharparkar", "Gir", "Ongole", "Amrit_Mahal"}, m.Classes)
	assert.NoError(t, m.CheckVocabulary(vocab))
}

func TestOpen_StartupFaults(t *testing.T) {
	tests := []struct {
		name     string
		model    bool
		metadata string
		vocab    stubVocab
	}{
		{name: "model without metadata", model: true, vocab: threeBreeds},
		{name: "corrupt metadata", model: true, metadata: `{"input_shape": [1, 2`, vocab: threeBreeds},
		{name: "corrupt metadata without model", metadata: `not json`, vocab: threeBreeds},
		{name: "catalog size mismatch", model: true, metadata: validMetadata, vocab: stubVocab{"Gir", "Sahiwal"}},
		{name: "unknown class", model: true, metadata: validMetadata, vocab: stubVocab{"Gir", "Sahiwal", "Ongole"}},
		{name: "output shape mismatch", model: true, vocab: threeBreeds,
			metadata: `{"input_shape":[1,224,224,3],"output_shape":[1,74],"classes":["Gir","Sahiwal","Kankrej"],"image_size":224}`},
		{name: "input shape mismatch", model: true, vocab: threeBreeds,
			metadata: `{"input_shape":[1,3,224,224],"output_shape":[1,3],"classes":["Gir","Sahiwal","Kankrej"],"image_size":224}`},
		{name: "unknown interpolation", model: true, vocab: threeBreeds,
			metadata: `{"input_shape":[1,224,224,3],"output_shape":[1,3],"classes":["Gir","Sahiwal","Kankrej"],"image_size":224,"interpolation":"area"}`},
		{name: "corrupt model", model: true, metadata: validMetadata, vocab: threeBreeds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			opts := Options{
				ModelPath:    filepath.Join(dir, "model.onnx"),
				MetadataPath: filepath.Join(dir, "meta.json"),
				Vocabulary:   tt.vocab,
			}
			if tt.model {
				writeFile(t, dir, "model.onnx", "definitely not protobuf")
			}
			if tt.metadata != "" {
				writeFile(t, dir, "meta.json", tt.metadata)
			}

			c, err := Open(opts, logging.Discard())
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, apperrors.IsKind(err, apperrors.KindStartup), "got %v", err)
		})
	}
}

func TestRank_TieBreakIsLexical(t *testing.T) {
	got := Rank([]string{"Ongole", "Deoni", "Gir"}, []float32{0.2, 0.2, 0.2}, 3)
	assert.Equal(t, []string{"Deoni", "Gir", "Ongole"}, []string{got[0].BreedName, got[1].BreedName, got[2].BreedName})
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1000, 1000})
	assert.InDelta(t, 0.5, probs[0], 1e-6)
	assert.InDelta(t, 0.5, probs[1], 1e-6)
	assert.Nil(t, Softmax(nil))
}
