package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reugn/go-streams"

	"github.com/chainrep/walletrank/internal/retry"
	"github.com/chainrep/walletrank/pkg/outcome"
)

const (
	fetchMaxWait = 2 * time.Second
	fetchBackoff = 2 * time.Second
)

// Connect establishes a NATS connection and JetStream context within
// a bounded retry budget. Once connected, the client reconnects
// indefinitely on its own.
func Connect(ctx context.Context, url, name string, maxAttempts int, backoff time.Duration, logger *slog.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	var nc *nats.Conn
	err := retry.Do(ctx, maxAttempts, backoff, func() error {
		var err error
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			logger.Warn("NATS connect failed, retrying", "url", url, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return nc, js, nil
}

// StreamSpec describes a stream the service needs.
type StreamSpec struct {
	Name       string
	Subjects   []string
	MaxAge     time.Duration
	Duplicates time.Duration
}

// EnsureStream creates the stream if it does not exist.
func EnsureStream(js nats.JetStreamContext, spec StreamSpec, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := js.StreamInfo(spec.Name); err == nil {
		return nil
	}

	logger.Info("creating stream", "stream", spec.Name, "subjects", spec.Subjects)

	streamConfig := &nats.StreamConfig{
		Name:       spec.Name,
		Subjects:   spec.Subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     spec.MaxAge,
		Duplicates: spec.Duplicates,
		Replicas:   1,
	}

	if _, err := js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", spec.Name, err)
	}

	return nil
}

// JetStreamSource leases messages from a durable pull consumer and
// emits them as Delivery values. Every worker of the consumer group
// shares the durable, so each message is leased by exactly one worker
// at a time.
type JetStreamSource struct {
	sub    *nats.Subscription
	batch  int
	outCh  chan any
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	once   sync.Once
}

// NewJetStreamSource binds a durable pull consumer on the input
// subject.
func NewJetStreamSource(js nats.JetStreamContext, stream, subject, durable string, batch int, ackWait time.Duration, logger *slog.Logger) (*JetStreamSource, error) {
	if batch <= 0 {
		batch = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := js.PullSubscribe(subject, durable,
		nats.BindStream(stream),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JetStreamSource{
		sub:    sub,
		batch:  batch,
		outCh:  make(chan any),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}, nil
}

// Out returns the delivery channel and starts the fetch pump on first
// use.
func (s *JetStreamSource) Out() <-chan any {
	s.once.Do(func() {
		go s.run()
	})
	return s.outCh
}

// Via implements streams.Source.
func (s *JetStreamSource) Via(flow streams.Flow) streams.Flow {
	return flow
}

// Close stops the fetch pump. The Out channel closes once the pump
// exits; unconsumed leases expire and redeliver.
func (s *JetStreamSource) Close() error {
	s.cancel()
	return nil
}

// run fetches message batches and pushes them downstream until the
// source is closed or the connection is gone for good.
func (s *JetStreamSource) run() {
	defer close(s.outCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msgs, err := s.sub.Fetch(s.batch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				s.logger.Error("input subscription gone, stopping source", "error", err)
				return
			}
			s.logger.Warn("fetch failed, backing off", "error", err)
			select {
			case <-time.After(fetchBackoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case s.outCh <- newJetStreamDelivery(msg):
			case <-s.ctx.Done():
				// Lease expires, message redelivers.
				return
			}
		}
	}
}

// jetStreamDelivery adapts a leased JetStream message to Delivery.
type jetStreamDelivery struct {
	msg      *nats.Msg
	id       string
	attempts int
}

// newJetStreamDelivery derives the correlation ID from the stream
// coordinates, falling back to a content hash when metadata is
// missing.
func newJetStreamDelivery(msg *nats.Msg) *jetStreamDelivery {
	id := outcome.ContentID(msg.Data)
	attempts := 1
	if md, err := msg.Metadata(); err == nil {
		id = outcome.StreamID(md.Stream, md.Sequence.Stream)
		attempts = int(md.NumDelivered)
	}
	return &jetStreamDelivery{msg: msg, id: id, attempts: attempts}
}

func (d *jetStreamDelivery) Data() []byte          { return d.msg.Data }
func (d *jetStreamDelivery) CorrelationID() string { return d.id }
func (d *jetStreamDelivery) Attempts() int         { return d.attempts }
func (d *jetStreamDelivery) Ack() error            { return d.msg.Ack() }

func (d *jetStreamDelivery) Nak(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}

// JetStreamPublisher publishes outcomes with the correlation ID as
// the message ID, so the stream's duplicate window absorbs
// republishes.
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

// NewJetStreamPublisher wraps a JetStream context as a Publisher.
func NewJetStreamPublisher(js nats.JetStreamContext) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Publish sends the payload and reports whether the stream recognized
// it as a duplicate.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject, msgID string, data []byte) (bool, error) {
	msg := &nats.Msg{Subject: subject, Data: data}
	ack, err := p.js.PublishMsg(msg, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return false, err
	}
	return ack.Duplicate, nil
}
