package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func newTestRabbitQueue(t *testing.T) *RabbitQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping RabbitMQ container test in short mode")
	}

	ctx := context.Background()
	container, err := tcrabbit.Run(ctx, "rabbitmq:3.13-alpine")
	require.NoError(t, err, "Failed to start RabbitMQ container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	q, err := NewRabbitQueue(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRabbitQueue_PublishClaimAck(t *testing.T) {
	q := newTestRabbitQueue(t)
	ctx := context.Background()

	_, err := q.Publish(ctx, "crm:operations", []byte(`{"n":1}`))
	require.NoError(t, err)

	got, err := q.Claim(ctx, "crm:operations", "worker-a", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Body))

	st, err := q.Stats(ctx, "crm:operations")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)

	require.NoError(t, q.Ack(ctx, got[0]))
	st, err = q.Stats(ctx, "crm:operations")
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestRabbitQueue_RetryDeadLettersBack(t *testing.T) {
	q := newTestRabbitQueue(t)
	ctx := context.Background()

	_, err := q.Publish(ctx, "crm:operations", []byte("v1"))
	require.NoError(t, err)
	got, err := q.Claim(ctx, "crm:operations", "worker-a", 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, q.Retry(ctx, got[0], []byte("v2"), 200*time.Millisecond))

	again, err := q.Claim(ctx, "crm:operations", "worker-a", 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "v2", string(again[0].Body))
	require.NoError(t, q.Ack(ctx, again[0]))
}
