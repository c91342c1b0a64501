// Package api exposes the engine's administrative surface over HTTP.
//
// Routes (all JSON):
//
//	GET    /v1/lanes
//	POST   /v1/lanes/:lane/pause
//	POST   /v1/lanes/:lane/resume
//	POST   /v1/lanes/:lane/drain
//	GET    /v1/dlq
//	GET    /v1/dlq/stats
//	GET    /v1/dlq/:entryId
//	POST   /v1/dlq/:entryId/replay
//	DELETE /v1/dlq/:entryId
//	GET    /v1/documents/:accessKey
//	GET    /v1/stats
package api

import (
	"errors"
	"log/slog"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/engine"
)

// API wires the admin HTTP handlers to an Engine.
type API struct {
	eng          *engine.Engine
	logger       *slog.Logger
	drainTimeout time.Duration
	token        string
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithDrainTimeout bounds how long a drain request waits for in-flight
// items before returning.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *API) { a.drainTimeout = d }
}

// WithToken requires every request to carry "Authorization: Bearer token".
func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:          eng,
		logger:       slog.Default(),
		drainTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns a gin engine with every route registered.
func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())
	if a.token != "" {
		router.Use(a.authenticate())
	}
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the admin routes on router.
func (a *API) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/v1")

	lanes := v1.Group("/lanes")
	{
		lanes.GET("", a.listLanes)
		lanes.POST("/:lane/pause", a.pauseLane)
		lanes.POST("/:lane/resume", a.resumeLane)
		lanes.POST("/:lane/drain", a.drainLane)
	}

	dlq := v1.Group("/dlq")
	{
		dlq.GET("", a.listDeadLetters)
		dlq.GET("/stats", a.deadLetterStats)
		dlq.GET("/:entryId", a.getDeadLetter)
		dlq.POST("/:entryId/replay", a.replayDeadLetter)
		dlq.DELETE("/:entryId", a.deleteDeadLetter)
	}

	v1.GET("/documents/:accessKey", a.getDocument)
	v1.GET("/stats", a.stats)
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info("admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *API) authenticate() gin.HandlerFunc {
	want := []byte("Bearer " + a.token)
	return func(c *gin.Context) {
		got := []byte(strings.TrimSpace(c.GetHeader("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// abort writes err with the status its sentinel maps to.
func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), ErrorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

// statusOf maps fiscal sentinel errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, fiscal.ErrLaneNotFound),
		errors.Is(err, fiscal.ErrDocumentNotFound),
		errors.Is(err, fiscal.ErrDeadLetterNotFound),
		errors.Is(err, fiscal.ErrVoidRangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, fiscal.ErrInvalidAccessKey),
		errors.Is(err, fiscal.ErrInvalidTaxpayerID),
		errors.Is(err, fiscal.ErrInvalidPayload),
		errors.Is(err, fiscal.ErrInvalidNumberRange):
		return http.StatusBadRequest
	case errors.Is(err, fiscal.ErrInvalidTransition),
		errors.Is(err, fiscal.ErrStaleState),
		errors.Is(err, fiscal.ErrDrainInterrupted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
