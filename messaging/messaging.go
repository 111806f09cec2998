// Package messaging publishes AMQP messages as deferred effects of a unit of
// work, so a message leaves the process only after every database involved
// has committed.
package messaging

import (
	"context"
	"errors"
	"maps"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gaborage/go-bricks-txn/unitofwork"
)

// ErrNoUnitOfWork is returned by PublishInContext when ctx carries no
// unit-of-work context.
var ErrNoUnitOfWork = errors.New("messaging: no unit of work in context")

// Message is one AMQP publishing.
type Message struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	ContentType   string
	Headers       map[string]any
	MessageID     string
	CorrelationID string
	Mandatory     bool
	Persistent    bool
}

// destination names the target the way messaging semantic conventions do:
// the exchange when set, the routing key (queue) otherwise.
func (m *Message) destination() string {
	if m.Exchange != "" {
		return m.Exchange
	}
	return m.RoutingKey
}

func (m *Message) publishing() amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   m.ContentType,
		Body:          m.Body,
		Headers:       amqp.Table{},
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	if m.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	maps.Copy(p.Headers, m.Headers)
	return p
}

// Publisher sends a message to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// EffectScheduler queues work that runs after the unit of work commits.
// *unitofwork.Coordinator implements it.
type EffectScheduler interface {
	AddNonTransactionalModificationMethod(fn unitofwork.Effect) error
}

// PublishAfterCommit queues msg on scheduler. The message is published when
// the unit of work commits and dropped if it rolls back. A message id is
// assigned now so retries of the same effect cannot produce distinct ids.
func PublishAfterCommit(scheduler EffectScheduler, publisher Publisher, msg Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	return scheduler.AddNonTransactionalModificationMethod(func(ctx context.Context) error {
		return publisher.Publish(ctx, msg)
	})
}

// PublishInContext is PublishAfterCommit on the coordinator of the unit of
// work carried by ctx.
func PublishInContext(ctx context.Context, publisher Publisher, msg Message) error {
	uow, ok := unitofwork.FromContext(ctx)
	if !ok {
		return ErrNoUnitOfWork
	}
	return PublishAfterCommit(uow.Coordinator(), publisher, msg)
}
