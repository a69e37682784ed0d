package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainrep/walletrank/internal/logging"
	"github.com/chainrep/walletrank/internal/pipeline"
	"github.com/chainrep/walletrank/pkg/outcome"
)

func (g *Gateway) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": g.opts.ServiceName,
		"status":  "running",
	})
}

func (g *Gateway) handleHealth(c *gin.Context) {
	redisUp := false
	if g.registry != nil {
		redisUp = g.registry.Ping(c.Request.Context()) == nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": g.opts.ServiceName,
		"broker":  g.brokerUp(),
		"redis":   redisUp,
	})
}

func (g *Gateway) handleStats(c *gin.Context) {
	var processed int64
	if g.registry != nil {
		n, err := g.registry.ProcessedCount(c.Request.Context())
		if err != nil {
			logging.L(c.Request.Context()).Warn("processed count unavailable", "error", err)
		} else {
			processed = n
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "operational",
		"processed_wallets": processed,
		"uptime_seconds":    int64(time.Since(g.started).Seconds()),
	})
}

// handleScoreWallet scores a payload synchronously, without touching
// the outcome channels. The correlation ID is a content hash, so
// resubmitting the same payload reports the same ID.
func (g *Gateway) handleScoreWallet(c *gin.Context) {
	body, ok := g.readBody(c)
	if !ok {
		return
	}

	id := outcome.ContentID(body)
	result := pipeline.Evaluate(c.Request.Context(), g.engine, body, id)

	if result.Status == outcome.StatusSuccess {
		c.JSON(http.StatusOK, result.Score)
		return
	}

	status := http.StatusUnprocessableEntity
	if result.Failure.Reason == outcome.ScoringFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result.Failure)
}

// handleSubmit forwards a raw payload onto the input channel after a
// syntax check. Validation proper happens in the pipeline; the submit
// contract is only "produces a syntactically valid input message".
func (g *Gateway) handleSubmit(c *gin.Context) {
	if g.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "input channel is not connected",
		})
		return
	}

	body, ok := g.readBody(c)
	if !ok {
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "request body is not valid JSON",
		})
		return
	}

	id := outcome.ContentID(body)
	duplicate, err := g.publisher.Publish(c.Request.Context(), g.opts.InputSubject, id, body)
	if err != nil {
		logging.L(c.Request.Context()).Error("submit publish failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "publish_failed",
			"message": "could not forward payload to the input channel",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": id,
		"duplicate":      duplicate,
	})
}

// readBody reads a bounded request body, answering 413 or 400 itself
// when the payload is oversized or unreadable.
func (g *Gateway) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unreadable_body",
			"message": err.Error(),
		})
		return nil, false
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "request body exceeds 1MB",
		})
		return nil, false
	}
	return body, true
}
