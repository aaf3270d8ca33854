package queue_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeDecode(t *testing.T) {
	e := queue.Envelope{Kind: queue.KindDispatch, JobID: uuid.New(), WorkerID: "w1", RequiredGromacsVersion: "2024.1"}
	data, err := queue.Encode(e)
	require.NoError(t, err)

	got, err := queue.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.JobID, got.JobID)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, "2024.1", got.RequiredGromacsVersion)
	assert.False(t, got.SentAt.IsZero())
}

func TestEncode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		e    queue.Envelope
	}{
		{"unknown kind", queue.Envelope{Kind: "restart", JobID: uuid.New(), WorkerID: "w1"}},
		{"missing job", queue.Envelope{Kind: queue.KindCancel, WorkerID: "w1"}},
		{"missing worker", queue.Envelope{Kind: queue.KindDispatch, JobID: uuid.New()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := queue.Encode(tt.e)
			assert.ErrorIs(t, err, queue.ErrInvalidEnvelope)
		})
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := queue.Decode([]byte("not json"))
	assert.ErrorIs(t, err, queue.ErrInvalidEnvelope)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := queue.Open(config.QueueConfig{Backend: "kafka"}, nil, discardLogger())
	assert.Error(t, err)

	_, err = queue.Open(config.QueueConfig{Backend: config.QueueBackendRedis}, nil, discardLogger())
	assert.Error(t, err)
}

// --- Redis backend ---

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

type recorder struct {
	mu       sync.Mutex
	received []queue.Envelope
	fail     map[uuid.UUID]int
}

func (r *recorder) handle(ctx context.Context, e queue.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, e)
	if r.fail[e.JobID] > 0 {
		r.fail[e.JobID]--
		return assert.AnError
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestRedisQueue_DeliversInOrderAndAcks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, discardLogger())
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Publish(ctx, queue.Envelope{Kind: queue.KindDispatch, JobID: id, WorkerID: "w1"}))
	}

	rec := &recorder{}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, "w1", 1, rec.handle) }()

	require.Eventually(t, func() bool { return rec.count() == 3 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	for i, id := range ids {
		assert.Equal(t, id, rec.received[i].JobID)
	}
	rec.mu.Unlock()

	pending, processing, err := q.Depth(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, processing)
}

func TestRedisQueue_HandlerErrorRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, discardLogger())
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, q.Publish(ctx, queue.Envelope{Kind: queue.KindDispatch, JobID: id, WorkerID: "w1"}))

	rec := &recorder{fail: map[uuid.UUID]int{id: 1}}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, "w1", 1, rec.handle) }()

	require.Eventually(t, func() bool { return rec.count() == 2 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	pending, processing, err := q.Depth(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, processing)
}

func TestRedisQueue_RestoresUnackedOnRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, discardLogger())
	ctx := context.Background()

	// simulate a consumer that died mid-delivery
	data, err := queue.Encode(queue.Envelope{Kind: queue.KindDispatch, JobID: uuid.New(), WorkerID: "w1"})
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, queue.ProcessingKey("w1"), data).Err())

	rec := &recorder{}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, "w1", 1, rec.handle) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRedisQueue_DropsUndecodable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, discardLogger())
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, queue.PendingKey("w1"), "garbage").Err())
	require.NoError(t, q.Publish(ctx, queue.Envelope{Kind: queue.KindDispatch, JobID: uuid.New(), WorkerID: "w1"}))

	rec := &recorder{}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, "w1", 2, rec.handle) }()

	require.Eventually(t, func() bool {
		_, processing, err := q.Depth(ctx, "w1")
		return err == nil && processing == 0 && rec.count() == 1
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRedisQueue_CancelUsesControlChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, discardLogger())
	ctx := context.Background()

	// a dispatch that never finishes holds the only prefetch slot
	blocked := uuid.New()
	release := make(chan struct{})
	cancelled := make(chan uuid.UUID, 1)
	h := func(ctx context.Context, e queue.Envelope) error {
		if e.Kind == queue.KindCancel {
			cancelled <- e.JobID
			return nil
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	require.NoError(t, q.Publish(ctx, queue.Envelope{Kind: queue.KindDispatch, JobID: blocked, WorkerID: "w1"}))

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Consume(cctx, "w1", 1, h) }()

	target := uuid.New()
	require.NoError(t, q.Publish(ctx, queue.Envelope{Kind: queue.KindCancel, JobID: target, WorkerID: "w1"}))

	select {
	case got := <-cancelled:
		assert.Equal(t, target, got)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel was not delivered while the dispatch slot was busy")
	}

	close(release)
	cancel()
	require.NoError(t, <-done)
}
