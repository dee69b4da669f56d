// Package prediction runs one uploaded image through validation,
// normalization and classification, and turns every outcome into an
// envelope.
package prediction

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/cattle-breed-api/internal/envelope"
	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/events"
	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
	"github.com/Brownie44l1/cattle-breed-api/internal/model"
)

// User facing messages.
const (
	MsgNoFile        = "No image file provided"
	MsgInvalidFormat = "Invalid file format"
	MsgEmptyFile     = "Empty image file"
	MsgInternal      = "Internal server error"
	msgInvalidImage  = "Invalid image: "
)

const mib = 1 << 20

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 16 * mib

// DefaultStaleAfter is how old a leftover scratch file must be before
// NewService removes it.
const DefaultStaleAfter = time.Hour

const scratchPrefix = "upload-"

// DefaultExtensions are the accepted upload extensions.
var DefaultExtensions = []string{"png", "jpg", "jpeg"}

// RawImageInput is an uploaded file as handed over by a transport.
type RawImageInput struct {
	Filename string
	Body     io.Reader
}

// Normalizer is the subset of imaging.Normalizer the service uses.
type Normalizer interface {
	NormalizeFile(path string) (*imaging.Tensor, error)
}

// Classifier is the subset of model.Classifier the service uses.
type Classifier interface {
	Predict(tensor *imaging.Tensor) (*model.Prediction, error)
}

type Options struct {
	// ScratchDir holds per-request copies of uploads. Empty uses the OS
	// temp directory.
	ScratchDir        string
	MaxBytes          int64
	AllowedExtensions []string
	// StaleAfter is the age past which leftover scratch files in ScratchDir
	// are removed at startup.
	StaleAfter time.Duration
}

// Service is safe for concurrent use; each Run owns its scratch file.
type Service struct {
	normalizer Normalizer
	classifier Classifier
	opts       Options
	publisher  events.Publisher
	logger     *slog.Logger
}

// NewService wires the pipeline. publisher may be nil.
func NewService(normalizer Normalizer, classifier Classifier, opts Options, publisher events.Publisher, logger *slog.Logger) (*Service, error) {
	if normalizer == nil || classifier == nil {
		return nil, fmt.Errorf("prediction service needs a normalizer and a classifier")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultExtensions
	}
	exts := make([]string, 0, len(opts.AllowedExtensions))
	for _, e := range opts.AllowedExtensions {
		exts = append(exts, extension("x."+e))
	}
	opts.AllowedExtensions = exts

	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	s := &Service{
		normalizer: normalizer,
		classifier: classifier,
		opts:       opts,
		publisher:  publisher,
		logger:     logging.OrDefault(logger),
	}

	if opts.ScratchDir != "" {
		if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		if n := s.sweepScratch(time.Now()); n > 0 {
			s.logger.Info("removed stale scratch files", "dir", opts.ScratchDir, "count", n)
		}
	}
	return s, nil
}

// sweepScratch removes scratch files left behind by a process that died
// mid-request. Only files older than StaleAfter are touched so that a
// second instance sharing the directory keeps its in-flight uploads.
func (s *Service) sweepScratch(now time.Time) int {
	matches, err := filepath.Glob(filepath.Join(s.opts.ScratchDir, scratchPrefix+"*"))
	if err != nil {
		s.logger.Warn("cannot list scratch dir", "dir", s.opts.ScratchDir, "error", err)
		return 0
	}

	removed := 0
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || now.Sub(info.ModTime()) < s.opts.StaleAfter {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove stale scratch file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// TooLargeMessage is the error reported for uploads over the size limit.
func (s *Service) TooLargeMessage() string {
	return fmt.Sprintf("File too large. Max size: %dMB", s.opts.MaxBytes/mib)
}

// MaxBytes is the configured upload limit.
func (s *Service) MaxBytes() int64 { return s.opts.MaxBytes }

// run tracks one call to Run.
type run struct {
	id         string
	filename   string
	state      State
	prediction *model.Prediction
	kind       envelope.Kind
	logger     *slog.Logger
}

// fail moves the run to Errored and builds the failure envelope.
func (r *run) fail(kind envelope.Kind, message string) envelope.Envelope {
	r.logger.Info("prediction rejected", "state", r.state.String(), "kind", string(kind), "message", message)
	r.state = Errored
	r.kind = kind
	return envelope.Failure(kind, message)
}

// fault logs err in full and hides it behind the generic message.
func (r *run) fault(err error) envelope.Envelope {
	r.logger.Error("prediction failed", "state", r.state.String(), "error", err)
	return r.fail(envelope.InternalFault, MsgInternal)
}

// Run drives one upload through Received, Validated, Normalized, Inferred
// and Completed. Any failure ends in Errored with an InvalidInput or
// InternalFault envelope. The scratch copy of the upload is removed before
// Run returns, whatever the outcome.
func (s *Service) Run(in RawImageInput) (env envelope.Envelope) {
	start := time.Now()
	r := &run{
		id:       uuid.NewString(),
		filename: SanitizeFilename(in.Filename),
		state:    Received,
	}
	r.logger = s.logger.With("request_id", r.id)

	defer func() {
		if p := recover(); p != nil {
			env = r.fault(fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
		}
		s.publish(r, time.Since(start))
	}()

	return s.execute(r, in)
}

func (s *Service) execute(r *run, in RawImageInput) envelope.Envelope {
	if in.Filename == "" || in.Body == nil {
		return r.fail(envelope.InvalidInput, MsgNoFile)
	}
	ext := extension(in.Filename)
	if !slices.Contains(s.opts.AllowedExtensions, ext) {
		return r.fail(envelope.InvalidInput, MsgInvalidFormat)
	}

	scratch, err := os.CreateTemp(s.opts.ScratchDir, scratchPrefix+r.id+"-*."+ext)
	if err != nil {
		return r.fault(fmt.Errorf("create scratch file: %w", err))
	}
	path := scratch.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove scratch file", "path", path, "error", err)
		}
	}()

	written, err := io.Copy(scratch, &io.LimitedReader{R: in.Body, N: s.opts.MaxBytes + 1})
	closeErr := scratch.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return r.fail(envelope.InvalidInput, s.TooLargeMessage())
		}
		return r.fault(fmt.Errorf("copy upload: %w", err))
	}
	if closeErr != nil {
		return r.fault(fmt.Errorf("close scratch file: %w", closeErr))
	}
	if written == 0 {
		return r.fail(envelope.InvalidInput, MsgEmptyFile)
	}
	if written > s.opts.MaxBytes {
		return r.fail(envelope.InvalidInput, s.TooLargeMessage())
	}
	r.state = Validated

	tensor, err := s.normalizer.NormalizeFile(path)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindDecode, apperrors.KindValidation:
			return r.fail(envelope.InvalidInput, msgInvalidImage+apperrors.Reason(err))
		default:
			return r.fault(err)
		}
	}
	r.state = Normalized

	prediction, err := s.classifier.Predict(tensor)
	if err != nil {
		return r.fault(err)
	}
	if prediction == nil {
		return r.fault(fmt.Errorf("classifier returned no prediction"))
	}
	r.state = Inferred

	r.prediction = prediction
	r.state = Completed
	r.logger.Info("prediction completed",
		"breed", prediction.TopBreed.BreedName,
		"confidence", prediction.TopBreed.Confidence,
		"model_loaded", prediction.ModelLoaded)
	return envelope.Success(prediction)
}

func (s *Service) publish(r *run, elapsed time.Duration) {
	if s.publisher == nil {
		return
	}
	o := events.Outcome{
		RequestID: r.id,
		Filename:  r.filename,
		State:     r.state.String(),
		ErrorKind: string(r.kind),
		Duration:  elapsed,
		At:        time.Now(),
	}
	if p := r.prediction; p != nil {
		o.TopBreed = p.TopBreed.BreedName
		o.Confidence = p.TopBreed.Confidence
		o.ModelLoaded = p.ModelLoaded
		for _, a := range p.Alternates {
			o.Alternates = append(o.Alternates, events.Alternate{BreedName: a.BreedName, Confidence: a.Confidence})
		}
	}
	s.publisher.PublishOutcome(o)
}
