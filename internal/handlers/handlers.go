package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/cattle-breed-api/internal/catalog"
	"github.com/Brownie44l1/cattle-breed-api/internal/envelope"
	"github.com/Brownie44l1/cattle-breed-api/internal/history"
	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
	"github.com/Brownie44l1/cattle-breed-api/internal/model"
	"github.com/Brownie44l1/cattle-breed-api/internal/prediction"
	"github.com/Brownie44l1/cattle-breed-api/internal/system"
)

// Predictor runs the upload pipeline.
type Predictor interface {
	Run(in prediction.RawImageInput) envelope.Envelope
	MaxBytes() int64
	TooLargeMessage() string
}

// HistoryReader lists stored prediction outcomes.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.PredictionRecord, error)
	Stats(ctx context.Context) (history.Stats, error)
}

// StatsCollector samples host resource usage.
type StatsCollector interface {
	Collect(ctx context.Context) (system.Stats, error)
}

type Handler struct {
	predictor  Predictor
	classifier *model.Classifier
	catalog    *catalog.Catalog
	history    HistoryReader
	stats      StatsCollector
	logger     *slog.Logger
}

// Deps are the collaborators behind the API. History and Stats may be nil,
// which disables their endpoints.
type Deps struct {
	Predictor  Predictor
	Classifier *model.Classifier
	Catalog    *catalog.Catalog
	History    HistoryReader
	Stats      StatsCollector
	Logger     *slog.Logger
}

func NewHandler(d Deps) (*Handler, error) {
	if d.Predictor == nil || d.Classifier == nil || d.Catalog == nil {
		return nil, fmt.Errorf("handler requires a predictor, a classifier and a catalog")
	}
	return &Handler{
		predictor:  d.Predictor,
		classifier: d.Classifier,
		catalog:    d.Catalog,
		history:    d.History,
		stats:      d.Stats,
		logger:     logging.OrDefault(d.Logger),
	}, nil
}

// statusFor maps an envelope onto an HTTP status.
func statusFor(env envelope.Envelope) int {
	switch {
	case env.Success():
		return http.StatusOK
	case env.Kind() == envelope.InvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, env envelope.Envelope) {
	c.JSON(statusFor(env), env)
}

func respondStatus(c *gin.Context, status int, env envelope.Envelope) {
	c.JSON(status, env)
}

func (h *Handler) Health(c *gin.Context) {
	respond(c, envelope.Success(gin.H{
		"status":       "healthy",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"model_loaded": h.classifier.State() == model.Loaded,
	}))
}

func (h *Handler) Breeds(c *gin.Context) {
	breeds := h.catalog.Breeds()
	respond(c, envelope.Success(gin.H{
		"breeds": breeds,
		"count":  len(breeds),
	}))
}

func (h *Handler) Breed(c *gin.Context) {
	breed, ok := h.catalog.Lookup(c.Param("name"))
	if !ok {
		respondStatus(c, http.StatusNotFound, envelope.Failure(envelope.InvalidInput, "Breed not found"))
		return
	}
	respond(c, envelope.Success(breed))
}

func (h *Handler) ModelInfo(c *gin.Context) {
	respond(c, envelope.Success(gin.H{
		"model":            h.classifier.Info(),
		"supported_breeds": h.classifier.Metadata().Classes,
	}))
}

// Predict accepts a multipart upload in the "image" field.
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.predictor.MaxBytes())

	header, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			respond(c, envelope.Failure(envelope.InvalidInput, h.predictor.TooLargeMessage()))
		default:
			respond(c, envelope.Failure(envelope.InvalidInput, prediction.MsgNoFile))
		}
		return
	}

	file, err := header.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", "filename", header.Filename, "error", err)
		respond(c, envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
		return
	}
	defer file.Close()

	h.logger.Debug("received upload", "filename", header.Filename, "size", header.Size)
	respond(c, h.predictor.Run(prediction.RawImageInput{Filename: header.Filename, Body: file}))
}

// TensorRequest carries an already normalized input tensor, flattened in the
// model's layout.
type TensorRequest struct {
	Tensor []float32 `json:"tensor" binding:"required"`
}

// PredictTensor classifies a pre-normalized tensor, skipping decoding.
func (h *Handler) PredictTensor(c *gin.Context) {
	var req TensorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, envelope.Failure(envelope.InvalidInput, "Invalid JSON"))
		return
	}

	shape := h.classifier.Metadata().InputShape
	if expected := imaging.Volume(shape); len(req.Tensor) != expected {
		respond(c, envelope.Failure(envelope.InvalidInput,
			fmt.Sprintf("Expected %d values, got %d", expected, len(req.Tensor))))
		return
	}

	result, err := h.classifier.Predict(&imaging.Tensor{
		Shape: append([]int64(nil), shape...),
		Data:  req.Tensor,
	})
	if err != nil {
		h.logger.Error("tensor prediction failed", "error", err)
		respond(c, envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
		return
	}
	respond(c, envelope.Success(result))
}

func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		respondStatus(c, http.StatusNotFound, envelope.Failure(envelope.InvalidInput, "Prediction history is disabled"))
		return
	}

	limit := history.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respond(c, envelope.Failure(envelope.InvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	records, err := h.history.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("failed to read prediction history", "error", err)
		respond(c, envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
		return
	}
	stats, err := h.history.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to count prediction history", "error", err)
		respond(c, envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
		return
	}

	respond(c, envelope.Success(gin.H{
		"records": records,
		"stats":   stats,
	}))
}

func (h *Handler) System(c *gin.Context) {
	if h.stats == nil {
		respondStatus(c, http.StatusNotFound, envelope.Failure(envelope.InvalidInput, "System stats are disabled"))
		return
	}
	stats, err := h.stats.Collect(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to collect system stats", "error", err)
		respond(c, envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
		return
	}
	respond(c, envelope.Success(stats))
}

func (h *Handler) NotFound(c *gin.Context) {
	respondStatus(c, http.StatusNotFound, envelope.Failure(envelope.InvalidInput, "Endpoint not found"))
}
