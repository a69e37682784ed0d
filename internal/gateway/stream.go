package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/chainrep/walletrank/internal/logging"
)

// Tail delivers raw outcome payloads published on a subject; the
// returned function cancels the subscription.
type Tail interface {
	Subscribe(subject string, handler func(data []byte)) (func(), error)
}

// NATSTail tails subjects over a core NATS subscription. The outcome
// stream retains the durable copy; the tail is a live view only.
type NATSTail struct {
	nc *nats.Conn
}

// NewNATSTail wraps a NATS connection as a Tail.
func NewNATSTail(nc *nats.Conn) *NATSTail {
	return &NATSTail{nc: nc}
}

func (t *NATSTail) Subscribe(subject string, handler func(data []byte)) (func(), error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	streamSendBuffer = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// outcomeFrame is one WebSocket message on the outcome stream.
type outcomeFrame struct {
	Channel string          `json:"channel"`
	Outcome json.RawMessage `json:"outcome"`
}

// handleOutcomeStream upgrades the connection and forwards every
// outcome from both channels until the client disconnects. A slow
// client drops frames rather than stalling the tail.
func (g *Gateway) handleOutcomeStream(c *gin.Context) {
	if g.tail == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "outcome stream is not connected",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L(c.Request.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := make(chan outcomeFrame, streamSendBuffer)
	logger := logging.L(c.Request.Context())

	forward := func(channel string) func([]byte) {
		return func(data []byte) {
			frame := outcomeFrame{Channel: channel, Outcome: json.RawMessage(data)}
			select {
			case send <- frame:
			default:
				logger.Warn("outcome stream client too slow, dropping frame", "channel", channel)
			}
		}
	}

	unsubSuccess, err := g.tail.Subscribe(g.opts.SuccessSubject, forward("success"))
	if err != nil {
		logger.Error("outcome tail subscribe failed", "subject", g.opts.SuccessSubject, "error", err)
		return
	}
	defer unsubSuccess()

	unsubFailure, err := g.tail.Subscribe(g.opts.FailureSubject, forward("failure"))
	if err != nil {
		logger.Error("outcome tail subscribe failed", "subject", g.opts.FailureSubject, "error", err)
		return
	}
	defer unsubFailure()

	// Reader only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
