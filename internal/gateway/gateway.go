// Package gateway exposes the HTTP surface of the scoring service:
// health and stats probes, synchronous scoring for manual testing, a
// submit endpoint that forwards payloads onto the input channel, and a
// WebSocket tail of the outcome channels.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/logging"
	"github.com/chainrep/walletrank/internal/observability"
	"github.com/chainrep/walletrank/pkg/scoring"
)

// maxBodyBytes bounds accepted request payloads.
const maxBodyBytes = 1 << 20

// Publisher forwards a payload onto a stream subject. Satisfied by
// pipeline.JetStreamPublisher.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) (duplicate bool, err error)
}

// Options carries the gateway's listen address and routing targets.
type Options struct {
	Addr           string
	ServiceName    string
	InputSubject   string
	SuccessSubject string
	FailureSubject string
}

// Gateway hosts the HTTP endpoints. The publisher, registry, and tail
// may be nil; the endpoints that need them degrade to an unavailable
// response instead of failing at startup.
type Gateway struct {
	opts      Options
	engine    scoring.Engine
	publisher Publisher
	registry  *dedup.Registry
	tail      Tail
	logger    *slog.Logger
	router    *gin.Engine
	started   time.Time

	// brokerUp reports input-channel connectivity for the health probe.
	brokerUp func() bool
}

// New assembles the gateway and its routes.
func New(opts Options, engine scoring.Engine, publisher Publisher, registry *dedup.Registry, tail Tail, brokerUp func() bool, logger *slog.Logger) *Gateway {
	if opts.ServiceName == "" {
		opts.ServiceName = "walletrank"
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if brokerUp == nil {
		brokerUp = func() bool { return false }
	}

	g := &Gateway{
		opts:      opts,
		engine:    engine,
		publisher: publisher,
		registry:  registry,
		tail:      tail,
		logger:    logger,
		started:   time.Now(),
		brokerUp:  brokerUp,
	}

	gin.SetMode(gin.ReleaseMode)
	g.router = gin.New()
	g.setupMiddleware()
	g.setupRoutes()

	return g
}

// Router exposes the underlying handler for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) setupMiddleware() {
	g.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	g.router.Use(g.requestIDMiddleware())
	g.router.Use(g.loggingMiddleware())
}

func (g *Gateway) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithLogger(c.Request.Context(), g.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (g *Gateway) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logging.L(c.Request.Context()).Debug("request handled",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/", g.handleRoot)
	g.router.GET("/metrics", gin.WrapH(observability.Handler()))
	g.router.POST("/score-wallet", g.handleScoreWallet)

	v1 := g.router.Group("/api/v1")
	v1.GET("/health", g.handleHealth)
	v1.GET("/stats", g.handleStats)
	v1.POST("/submit", g.handleSubmit)
	v1.GET("/outcomes/stream", g.handleOutcomeStream)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
