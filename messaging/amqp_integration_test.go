//go:build integration

package messaging

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-txn/config"
	"github.com/gaborage/go-bricks-txn/testing/containers"
	"github.com/gaborage/go-bricks-txn/unitofwork"
)

func TestRabbitMQPublishAfterCommit(t *testing.T) {
	ctx := context.Background()
	url := containers.StartRabbitMQ(ctx, t)

	pub := NewAMQPPublisher(url, nil)
	t.Cleanup(func() { _ = pub.Close() })
	require.NoError(t, pub.DeclareQueue("orders.created", false))

	f, err := unitofwork.NewFactory(&config.Config{
		Database: config.DatabaseConfig{Type: "sqlite", Database: ":memory:"},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, f.Run(ctx, func(ctx context.Context) error {
		uow, _ := unitofwork.FromContext(ctx)
		return uow.Coordinator().ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
			if err := PublishInContext(ctx, pub, Message{RoutingKey: "orders.created", Body: []byte("committed")}); err != nil {
				return err
			}
			return nil
		})
	}))

	err = f.Run(ctx, func(ctx context.Context) error {
		uow, _ := unitofwork.FromContext(ctx)
		return uow.Coordinator().ExecuteWithModificationsEnabled(ctx, func(ctx context.Context) error {
			if err := PublishInContext(ctx, pub, Message{RoutingKey: "orders.created", Body: []byte("rolled back")}); err != nil {
				return err
			}
			return assert.AnError
		})
	})
	require.ErrorIs(t, err, assert.AnError)

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)

	deliveries, err := ch.Consume("orders.created", "", true, false, false, false, nil)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		assert.Equal(t, "committed", string(d.Body))
		assert.NotEmpty(t, d.MessageId)
	case <-time.After(10 * time.Second):
		t.Fatal("committed message was not delivered")
	}

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %q", d.Body)
	case <-time.After(500 * time.Millisecond):
	}
}
