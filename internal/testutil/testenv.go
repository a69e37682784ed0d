// Package testutil starts shared Redis and NATS containers for the
// integration tests. The containers are heavyweight, so they spin up
// once per test binary and are reused across tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// integrationEnv gates the container-backed tests.
const integrationEnv = "WALLETRANK_INTEGRATION"

// SkipUnlessIntegration skips the test unless integration testing is
// enabled via WALLETRANK_INTEGRATION.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(integrationEnv) == "" {
		t.Skipf("set %s=1 to run integration tests", integrationEnv)
	}
}

var (
	once sync.Once

	redisClient *redis.Client
	natsConn    *nats.Conn
	jetStream   nats.JetStreamContext

	redisContainer testcontainers.Container
	natsContainer  testcontainers.Container

	globalCleanup func()
)

// GetTestEnvironment returns shared Redis and NATS instances, flushing
// Redis so each test starts from a clean slate.
func GetTestEnvironment(ctx context.Context) (*redis.Client, *nats.Conn, nats.JetStreamContext, error) {
	var initErr error

	once.Do(func() {
		redisClient, natsConn, jetStream, initErr = setupGlobalTestEnvironment(ctx)
	})

	if initErr != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize test environment: %w", initErr)
	}

	if err := redisClient.FlushAll(ctx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to flush Redis: %w", err)
	}

	return redisClient, natsConn, jetStream, nil
}

// CleanupTestEnvironment should be called from TestMain after all tests
func CleanupTestEnvironment() {
	if globalCleanup != nil {
		globalCleanup()
	}
}

// setupGlobalTestEnvironment initializes containers once
func setupGlobalTestEnvironment(ctx context.Context) (*redis.Client, *nats.Conn, nats.JetStreamContext, error) {
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start Redis: %w", err)
	}
	redisContainer = redisC

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	redisPort, err := redisC.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return nil, nil, nil, err
	}

	rc := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	if _, err := rc.Ping(ctx).Result(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	natsReq := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js", "-sd", "/data/jetstream"},
			Tmpfs:        map[string]string{"/data/jetstream": "rw"},
			WaitingFor:   wait.ForLog("Listening for client connections").WithStartupTimeout(10 * time.Second),
		},
		Started: true,
	}

	natsC, err := testcontainers.GenericContainer(ctx, natsReq)
	if err != nil {
		redisC.Terminate(ctx)
		return nil, nil, nil, fmt.Errorf("failed to start NATS: %w", err)
	}
	natsContainer = natsC

	natsHost, err := natsC.Host(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	natsPort, err := natsC.MappedPort(ctx, "4222/tcp")
	if err != nil {
		return nil, nil, nil, err
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", natsHost, natsPort.Port()))
	if err != nil {
		return nil, nil, nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	globalCleanup = func() {
		ctx := context.Background()
		if nc != nil {
			nc.Close()
		}
		if rc != nil {
			rc.Close()
		}
		if natsC != nil {
			_ = natsC.Terminate(ctx)
		}
		if redisC != nil {
			_ = redisC.Terminate(ctx)
		}
	}

	return rc, nc, js, nil
}

// FreshStream creates an isolated stream for one test, deleting any
// leftover stream of the same name from an earlier run.
func FreshStream(js nats.JetStreamContext, name string, subjects []string, duplicates time.Duration) error {
	_ = js.DeleteStream(name)

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.MemoryStorage,
		Duplicates: duplicates,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}
