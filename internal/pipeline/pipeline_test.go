package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/reugn/go-streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/walletrank/internal/audit"
	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/pipeline"
	"github.com/chainrep/walletrank/pkg/features"
	"github.com/chainrep/walletrank/pkg/outcome"
	"github.com/chainrep/walletrank/pkg/scoring"
)

const sampleWallet = "0x742d35Cc6634C0532925a3b844Bc9e7595f24265"

const sampleBatch = `{
	"wallet_address": "0x742d35Cc6634C0532925a3b844Bc9e7595f24265",
	"data": [
		{
			"protocolType": "dex",
			"transactions": [
				{
					"document_id": "doc-1",
					"action": "swap",
					"timestamp": 1700000000,
					"caller": "0x742d35Cc6634C0532925a3b844Bc9e7595f24265",
					"protocol": "uniswap",
					"tokenIn": {"amount": 1000, "amountUSD": 1000.0, "address": "0xa", "symbol": "USDC"},
					"tokenOut": {"amount": 500, "amountUSD": 1000.0, "address": "0xb", "symbol": "WETH"}
				},
				{
					"document_id": "doc-2",
					"action": "deposit",
					"timestamp": 1700000500,
					"caller": "0x742d35Cc6634C0532925a3b844Bc9e7595f24265",
					"protocol": "uniswap",
					"token0": {"amount": 250, "amountUSD": 500.0, "address": "0xa", "symbol": "USDC"},
					"token1": {"amount": 250, "amountUSD": 500.0, "address": "0xb", "symbol": "WETH"}
				}
			]
		}
	]
}`

// eventLog records publish/ack/nak ordering across goroutines.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) indexOf(entry string) int {
	for i, e := range l.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeDelivery struct {
	data     []byte
	id       string
	attempts int
	events   *eventLog

	mu    sync.Mutex
	acked bool
	naked bool
}

func (d *fakeDelivery) Data() []byte          { return d.data }
func (d *fakeDelivery) CorrelationID() string { return d.id }
func (d *fakeDelivery) Attempts() int         { return d.attempts }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	d.acked = true
	d.mu.Unlock()
	if d.events != nil {
		d.events.add("ack:" + d.id)
	}
	return nil
}

func (d *fakeDelivery) Nak(time.Duration) error {
	d.mu.Lock()
	d.naked = true
	d.mu.Unlock()
	if d.events != nil {
		d.events.add("nak:" + d.id)
	}
	return nil
}

func (d *fakeDelivery) state() (acked, naked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.naked
}

type fakeSource struct {
	ch   chan any
	once sync.Once
}

func newFakeSource(buffer int) *fakeSource {
	return &fakeSource{ch: make(chan any, buffer)}
}

func (s *fakeSource) Out() <-chan any                      { return s.ch }
func (s *fakeSource) Via(flow streams.Flow) streams.Flow   { return flow }
func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	failures  int
	calls     int
	published map[string]int
	subjects  map[string]string
	events    *eventLog
}

func newFakePublisher(failures int, events *eventLog) *fakePublisher {
	return &fakePublisher{
		failures:  failures,
		published: make(map[string]int),
		subjects:  make(map[string]string),
		events:    events,
	}
}

func (p *fakePublisher) Publish(_ context.Context, subject, msgID string, _ []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls <= p.failures {
		return false, errors.New("connection refused")
	}

	duplicate := p.published[msgID] > 0
	p.published[msgID]++
	p.subjects[msgID] = subject
	if p.events != nil {
		p.events.add("publish:" + msgID)
	}
	return duplicate, nil
}

func (p *fakePublisher) publishCount(msgID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[msgID]
}

func (p *fakePublisher) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []audit.Record
	dls  []audit.DeadLetter
}

func (a *fakeAudit) RecordOutcome(_ context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *fakeAudit) ArchiveDeadLetter(_ context.Context, dl audit.DeadLetter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dls = append(a.dls, dl)
	return nil
}

func (a *fakeAudit) Close() error { return nil }

func (a *fakeAudit) stored() ([]audit.Record, []audit.DeadLetter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.recs...), append([]audit.DeadLetter(nil), a.dls...)
}

type panicEngine struct{}

func (panicEngine) Score(context.Context, features.FeatureVector) (scoring.Score, error) {
	panic("model blew up")
}

func newEngine(t *testing.T) scoring.Engine {
	t.Helper()
	engine, err := scoring.NewLinearEngine(scoring.DefaultWeights())
	require.NoError(t, err)
	return engine
}

func TestEvaluateValidBatch(t *testing.T) {
	result := pipeline.Evaluate(context.Background(), newEngine(t), []byte(sampleBatch), "WALLET_TX:1")

	require.Equal(t, outcome.StatusSuccess, result.Status)
	require.NotNil(t, result.Score)
	assert.Equal(t, sampleWallet, result.Score.WalletAddress)
	assert.Equal(t, "WALLET_TX:1", result.Score.CorrelationID)
	assert.Equal(t, 2, result.Score.TransactionCount)
	assert.Greater(t, result.Score.Score, 0.0)
	assert.LessOrEqual(t, result.Score.Score, 100.0)
	assert.NotEmpty(t, result.Score.Breakdown)
}

func TestEvaluateMalformedJSON(t *testing.T) {
	result := pipeline.Evaluate(context.Background(), newEngine(t), []byte(`{"wallet_address": `), "WALLET_TX:2")

	require.Equal(t, outcome.StatusFailure, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, outcome.SchemaInvalid, result.Failure.Reason)
	assert.Equal(t, "WALLET_TX:2", result.Failure.CorrelationID)
	assert.NotEmpty(t, result.Failure.RawExcerpt)
}

func TestEvaluateUnknownAction(t *testing.T) {
	raw := strings.Replace(sampleBatch, `"action": "swap"`, `"action": "stake_v9"`, 1)
	result := pipeline.Evaluate(context.Background(), newEngine(t), []byte(raw), "WALLET_TX:3")

	require.Equal(t, outcome.StatusFailure, result.Status)
	assert.Equal(t, outcome.UnknownActionType, result.Failure.Reason)
	assert.Equal(t, sampleWallet, result.Failure.WalletAddress)
	assert.Contains(t, result.Failure.Detail, "stake_v9")
}

func TestEvaluatePanicBecomesScoringFailed(t *testing.T) {
	result := pipeline.Evaluate(context.Background(), panicEngine{}, []byte(sampleBatch), "WALLET_TX:4")

	require.Equal(t, outcome.StatusFailure, result.Status)
	assert.Equal(t, outcome.ScoringFailed, result.Failure.Reason)
	assert.Contains(t, result.Failure.Detail, "model blew up")
}

func routerConfig() pipeline.RouterConfig {
	return pipeline.RouterConfig{
		SuccessSubject: "wallet-scores-success",
		FailureSubject: "wallet-scores-failure",
		MaxAttempts:    4,
		Backoff:        time.Millisecond,
		PublishTimeout: time.Second,
	}
}

func successOutcome(id string) outcome.Outcome {
	return outcome.Success(&outcome.ScoreResult{
		WalletAddress: sampleWallet,
		Score:         57.25,
		Breakdown:     map[string]float64{"volume": 30, "activity": 27.25},
		CorrelationID: id,
	})
}

func TestRouterPublishesOnceAfterTransientFailures(t *testing.T) {
	events := &eventLog{}
	pub := newFakePublisher(2, events)
	router := pipeline.NewRouter(pub, nil, nil, routerConfig(), nil)

	err := router.Route(context.Background(), successOutcome("WALLET_TX:7"), []byte(sampleBatch), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.publishCount("WALLET_TX:7"))
	assert.Equal(t, 3, pub.totalCalls())
	assert.Equal(t, "wallet-scores-success", pub.subjects["WALLET_TX:7"])
}

func TestRouterDeadLettersAfterExhaustedRetries(t *testing.T) {
	pub := newFakePublisher(100, nil)
	store := &fakeAudit{}
	cfg := routerConfig()
	cfg.MaxAttempts = 3
	router := pipeline.NewRouter(pub, nil, store, cfg, nil)

	err := router.Route(context.Background(), successOutcome("WALLET_TX:8"), []byte(sampleBatch), 5)
	require.Error(t, err)

	assert.Equal(t, 3, pub.totalCalls())
	assert.Zero(t, pub.publishCount("WALLET_TX:8"))

	_, dls := store.stored()
	require.Len(t, dls, 1)
	assert.Equal(t, "WALLET_TX:8", dls[0].CorrelationID)
	assert.Equal(t, "SinkUnavailable", dls[0].Reason)
	assert.Equal(t, 5, dls[0].Attempts)
	assert.JSONEq(t, sampleBatch, string(dls[0].Payload))
}

func TestRouterSuppressesAlreadyPublished(t *testing.T) {
	db, mock := redismock.NewClientMock()
	registry := dedup.NewRegistry(db, time.Hour, nil)
	pub := newFakePublisher(0, nil)
	router := pipeline.NewRouter(pub, registry, nil, routerConfig(), nil)

	mock.ExpectExists("walletrank:outcome:WALLET_TX:9").SetVal(1)
	err := router.Route(context.Background(), successOutcome("WALLET_TX:9"), []byte(sampleBatch), 2)
	require.NoError(t, err)

	assert.Zero(t, pub.totalCalls(), "suppressed outcome must not publish")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRouterMarksPublishedOutcome(t *testing.T) {
	db, mock := redismock.NewClientMock()
	registry := dedup.NewRegistry(db, time.Hour, nil)
	pub := newFakePublisher(0, nil)
	store := &fakeAudit{}
	router := pipeline.NewRouter(pub, registry, store, routerConfig(), nil)

	mock.ExpectExists("walletrank:outcome:WALLET_TX:10").SetVal(0)
	mock.ExpectSetNX("walletrank:outcome:WALLET_TX:10", "success", time.Hour).SetVal(true)
	mock.ExpectIncr("walletrank:stats:processed").SetVal(1)

	err := router.Route(context.Background(), successOutcome("WALLET_TX:10"), []byte(sampleBatch), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.publishCount("WALLET_TX:10"))
	recs, _ := store.stored()
	require.Len(t, recs, 1)
	assert.Equal(t, "WALLET_TX:10", recs[0].CorrelationID)
	assert.Equal(t, "success", recs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRouterRoutesFailuresToFailureSubject(t *testing.T) {
	pub := newFakePublisher(0, nil)
	router := pipeline.NewRouter(pub, nil, nil, routerConfig(), nil)

	failed := outcome.Failed(&outcome.FailureResult{
		Reason:        outcome.SchemaInvalid,
		Detail:        "wallet_address: missing",
		CorrelationID: "WALLET_TX:11",
	})
	require.NoError(t, router.Route(context.Background(), failed, []byte(`{}`), 1))

	assert.Equal(t, "wallet-scores-failure", pub.subjects["WALLET_TX:11"])
}

func orchestratorOptions() pipeline.Options {
	return pipeline.Options{
		Workers:         2,
		RedeliveryDelay: time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestOrchestratorAcksOnlyAfterPublish(t *testing.T) {
	events := &eventLog{}
	pub := newFakePublisher(0, events)
	router := pipeline.NewRouter(pub, nil, nil, routerConfig(), nil)
	source := newFakeSource(8)

	deliveries := []*fakeDelivery{
		{data: []byte(sampleBatch), id: "WALLET_TX:20", attempts: 1, events: events},
		{data: []byte(`not json`), id: "WALLET_TX:21", attempts: 1, events: events},
		{data: []byte(sampleBatch), id: "WALLET_TX:22", attempts: 1, events: events},
	}
	for _, d := range deliveries {
		source.ch <- d
	}

	orch := pipeline.NewOrchestrator(source, newEngine(t), router, orchestratorOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, d := range deliveries {
			if acked, _ := d.state(); !acked {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, d := range deliveries {
		pubIdx := events.indexOf("publish:" + d.id)
		ackIdx := events.indexOf("ack:" + d.id)
		require.GreaterOrEqual(t, pubIdx, 0, "outcome for %s must be published", d.id)
		require.Greater(t, ackIdx, pubIdx, "ack for %s must follow its publish", d.id)
		assert.Equal(t, 1, pub.publishCount(d.id))
	}

	// The malformed message still resolves to exactly one outcome, on
	// the failure subject.
	assert.Equal(t, "wallet-scores-failure", pub.subjects["WALLET_TX:21"])
	assert.Equal(t, "wallet-scores-success", pub.subjects["WALLET_TX:20"])
}

func TestOrchestratorLeavesMessageOnPublishFailure(t *testing.T) {
	pub := newFakePublisher(1000, nil)
	cfg := routerConfig()
	cfg.MaxAttempts = 2
	router := pipeline.NewRouter(pub, nil, nil, cfg, nil)
	source := newFakeSource(2)

	d := &fakeDelivery{data: []byte(sampleBatch), id: "WALLET_TX:30", attempts: 1}
	source.ch <- d

	orch := pipeline.NewOrchestrator(source, newEngine(t), router, orchestratorOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, naked := d.state()
		return naked
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	acked, naked := d.state()
	assert.False(t, acked, "unpublished outcome must not be committed")
	assert.True(t, naked)
}

func TestOrchestratorSuppressesRedeliveredOutcome(t *testing.T) {
	db, mock := redismock.NewClientMock()
	registry := dedup.NewRegistry(db, time.Hour, nil)
	pub := newFakePublisher(0, nil)
	router := pipeline.NewRouter(pub, registry, nil, routerConfig(), nil)
	source := newFakeSource(2)

	mock.ExpectExists("walletrank:outcome:WALLET_TX:31").SetVal(1)

	d := &fakeDelivery{data: []byte(sampleBatch), id: "WALLET_TX:31", attempts: 2}
	source.ch <- d

	orch := pipeline.NewOrchestrator(source, newEngine(t), router, orchestratorOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		acked, _ := d.state()
		return acked
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, pub.totalCalls(), "redelivered message with published outcome must not republish")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestratorReportsUnexpectedSourceClose(t *testing.T) {
	source := newFakeSource(0)
	require.NoError(t, source.Close())

	pub := newFakePublisher(0, nil)
	router := pipeline.NewRouter(pub, nil, nil, routerConfig(), nil)
	orch := pipeline.NewOrchestrator(source, newEngine(t), router, orchestratorOptions(), nil)

	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed unexpectedly")
}

func TestOrchestratorDrainsInFlightOnShutdown(t *testing.T) {
	pub := newFakePublisher(0, nil)
	router := pipeline.NewRouter(pub, nil, nil, routerConfig(), nil)
	source := newFakeSource(16)

	var deliveries []*fakeDelivery
	for i := 0; i < 10; i++ {
		d := &fakeDelivery{data: []byte(sampleBatch), id: fmt.Sprintf("WALLET_TX:%d", 40+i), attempts: 1}
		deliveries = append(deliveries, d)
		source.ch <- d
	}

	orch := pipeline.NewOrchestrator(source, newEngine(t), router, orchestratorOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Shut down immediately; queued deliveries must still resolve.
	cancel()
	require.NoError(t, <-done)

	for _, d := range deliveries {
		acked, _ := d.state()
		assert.True(t, acked, "delivery %s must resolve during drain", d.id)
	}
}
