package pubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestNats(t *testing.T) (*Nats, func()) {
	tmpDir, err := os.MkdirTemp(os.TempDir(), "visualstream-nats-test")
	require.NoError(t, err)

	nats, err := NewInMemoryNats()
	require.NoError(t, err)

	cleanup := func() {
		if nats.embeddedServer != nil {
			nats.embeddedServer.Shutdown()
		}
		if nats.conn != nil {
			nats.conn.Close()
		}
		os.RemoveAll(tmpDir)
	}

	return nats, cleanup
}

func TestNatsPubsub(t *testing.T) {
	t.Run("Subscribe", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		receivedCh := make(chan string, 1)

		consumer, err := pubsub.Subscribe(ctx, "test", func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			err := consumer.Unsubscribe()
			require.NoError(t, err)
		}()

		// Wait for subscription to be established
		time.Sleep(1 * time.Second)

		err = pubsub.Publish(ctx, "test", []byte("hello"))
		require.NoError(t, err)

		select {
		case result := <-receivedCh:
			require.Equal(t, "hello", result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("Subscribe_Wildcard", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		receivedCh := make(chan string, 1)

		consumer, err := pubsub.Subscribe(ctx, "test.*", func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			err := consumer.Unsubscribe()
			require.NoError(t, err)
		}()

		// Wait for subscription to be established
		time.Sleep(1 * time.Second)

		err = pubsub.Publish(ctx, "test.123", []byte("hello"))
		require.NoError(t, err)

		select {
		case result := <-receivedCh:
			require.Equal(t, "hello", result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("Subscribe_Resubscribe", func(t *testing.T) {
		pubsub, cleanup := setupTestNats(t)
		defer cleanup()

		ctx := context.Background()

		receivedCh := make(chan string, 1)

		consumer, err := pubsub.Subscribe(ctx, "test", func(payload []byte) error {
			receivedCh <- string(payload)
			return nil
		})
		require.NoError(t, err)

		// Wait for subscription to be established
		time.Sleep(1 * time.Second)

		err = pubsub.Publish(ctx, "test", []byte("hello"))
		require.NoError(t, err)

		select {
		case result := <-receivedCh:
			require.Equal(t, "hello", result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}

		// Unsubscribe
		err = consumer.Unsubscribe()
		require.NoError(t, err)

		// Subscribe again
		receivedCh2 := make(chan string, 1)
		consumer, err = pubsub.Subscribe(ctx, "test", func(payload []byte) error {
			receivedCh2 <- string(payload)
			return nil
		})
		require.NoError(t, err)
		defer func() {
			err := consumer.Unsubscribe()
			require.NoError(t, err)
		}()

		// Wait for subscription to be established
		time.Sleep(1 * time.Second)

		err = pubsub.Publish(ctx, "test", []byte("hello"))
		require.NoError(t, err)

		select {
		case result := <-receivedCh2:
			require.Equal(t, "hello", result)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	})
}

// TestNatsPubsub_LogSubject exercises the `logs:{execution-id}` subject the
// Log Hub's peer channel actually publishes to and subscribes on, across
// two independently connected clients sharing one embedded server — the
// same topology the Log Hub uses between two server processes.
func TestNatsPubsub_LogSubject(t *testing.T) {
	publisher, cleanup := setupTestNats(t)
	defer cleanup()

	subscriber, err := NewNatsClient(publisher.ClientURL(), "")
	require.NoError(t, err)
	defer subscriber.Close()

	ctx := context.Background()
	subject := PeerLogSubject("exec-123")

	receivedCh := make(chan string, 1)
	sub, err := subscriber.Subscribe(ctx, subject, func(payload []byte) error {
		receivedCh <- string(payload)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(500 * time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, subject, []byte(`{"message":"hello from process A"}`)))

	select {
	case result := <-receivedCh:
		require.JSONEq(t, `{"message":"hello from process A"}`, result)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for peer log message")
	}
}
