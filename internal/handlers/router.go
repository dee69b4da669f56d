package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Brownie44l1/cattle-breed-api/internal/envelope"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
	"github.com/Brownie44l1/cattle-breed-api/internal/prediction"
)

// RouterOptions configures the gin engine.
type RouterOptions struct {
	StaticDir   string
	CORSOrigins []string
	Debug       bool
	Logger      *slog.Logger
}

// NewRouter builds the engine with recovery, request logging, CORS, the
// static front page and the /api routes.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	logger := logging.OrDefault(opts.Logger)

	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("handler panic", "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			envelope.Failure(envelope.InternalFault, prediction.MsgInternal))
	}))
	engine.Use(requestLogger(logger))

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}))

	if opts.StaticDir != "" {
		if info, err := os.Stat(opts.StaticDir); err == nil && info.IsDir() {
			engine.Use(static.Serve("/", static.LocalFile(opts.StaticDir, false)))
		} else {
			logger.Warn("static directory not found, front page disabled", "dir", opts.StaticDir)
		}
	}

	api := engine.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/breeds", h.Breeds)
	api.GET("/breeds/:name", h.Breed)
	api.GET("/model", h.ModelInfo)
	api.POST("/predict", h.Predict)
	api.POST("/predict/tensor", h.PredictTensor)
	api.GET("/history", h.History)
	api.GET("/system", h.System)

	engine.NoRoute(h.NotFound)

	return engine
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := uuid.NewString()
		c.Header("X-Request-Id", id)

		c.Next()

		logger.Info("http request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
