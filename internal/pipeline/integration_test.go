package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrep/walletrank/internal/dedup"
	"github.com/chainrep/walletrank/internal/pipeline"
	"github.com/chainrep/walletrank/internal/testutil"
	"github.com/chainrep/walletrank/pkg/outcome"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.CleanupTestEnvironment()
	os.Exit(code)
}

// TestPipelineEndToEnd runs the full consume-score-publish loop
// against real NATS and Redis. A duplicate submission of the same
// payload must still result in exactly one visible outcome.
func TestPipelineEndToEnd(t *testing.T) {
	testutil.SkipUnlessIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisClient, nc, js, err := testutil.GetTestEnvironment(ctx)
	require.NoError(t, err)

	const (
		inputStream    = "WALLET_TX_IT"
		inputSubject   = "wallet-transactions-it"
		outcomeStream  = "WALLET_SCORES_IT"
		successSubject = "wallet-scores-success-it"
		failureSubject = "wallet-scores-failure-it"
	)

	require.NoError(t, testutil.FreshStream(js, inputStream, []string{inputSubject}, 2*time.Minute))
	require.NoError(t, testutil.FreshStream(js, outcomeStream, []string{successSubject, failureSubject}, 2*time.Minute))

	successSub, err := nc.SubscribeSync(successSubject)
	require.NoError(t, err)
	defer successSub.Unsubscribe()
	failureSub, err := nc.SubscribeSync(failureSubject)
	require.NoError(t, err)
	defer failureSub.Unsubscribe()
	require.NoError(t, nc.Flush())

	registry := dedup.NewRegistry(redisClient, time.Hour, nil)

	source, err := pipeline.NewJetStreamSource(js, inputStream, inputSubject, "walletrank-it", 4, 10*time.Second, nil)
	require.NoError(t, err)

	router := pipeline.NewRouter(
		pipeline.NewJetStreamPublisher(js),
		registry,
		nil,
		pipeline.RouterConfig{
			SuccessSubject: successSubject,
			FailureSubject: failureSubject,
			MaxAttempts:    3,
			Backoff:        100 * time.Millisecond,
			PublishTimeout: 5 * time.Second,
		},
		nil,
	)

	orch := pipeline.NewOrchestrator(source, newEngine(t), router, pipeline.Options{
		Workers:         2,
		RedeliveryDelay: time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, nil)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- orch.Run(runCtx) }()

	// Submit the same valid batch twice with the same message ID; the
	// input stream's duplicate window keeps only one copy.
	batchID := outcome.ContentID([]byte(sampleBatch))
	for i := 0; i < 2; i++ {
		_, err := js.Publish(inputSubject, []byte(sampleBatch), nats.MsgId(batchID))
		require.NoError(t, err)
	}

	// And one malformed payload.
	_, err = js.Publish(inputSubject, []byte(`{"wallet_address": "not-an-address", "data": []}`))
	require.NoError(t, err)

	successMsg, err := successSub.NextMsg(30 * time.Second)
	require.NoError(t, err, "expected exactly one score on the success channel")

	var score outcome.ScoreResult
	require.NoError(t, json.Unmarshal(successMsg.Data, &score))
	assert.Equal(t, sampleWallet, score.WalletAddress)
	assert.Greater(t, score.Score, 0.0)
	assert.LessOrEqual(t, score.Score, 100.0)

	failureMsg, err := failureSub.NextMsg(30 * time.Second)
	require.NoError(t, err, "expected exactly one failure outcome")

	var failure outcome.FailureResult
	require.NoError(t, json.Unmarshal(failureMsg.Data, &failure))
	assert.Equal(t, outcome.SchemaInvalid, failure.Reason)

	// No second score for the duplicated input.
	_, err = successSub.NextMsg(3 * time.Second)
	assert.ErrorIs(t, err, nats.ErrTimeout)

	processed, err := registry.ProcessedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, processed)

	stop()
	require.NoError(t, <-done)
}
