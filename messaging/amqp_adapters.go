package messaging

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Internal interfaces and adapters to enable testing without a real broker
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
}

type amqpChannel interface {
	Confirm(noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Close() error
}

// Adapter to real amqp connection
type realConnection struct{ c *amqp.Connection }

func (r realConnection) Channel() (amqpChannel, error) {
	ch, err := r.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r realConnection) Close() error { return r.c.Close() }

var (
	dialMu sync.RWMutex

	// Pluggable dialer for tests
	amqpDialFunc = func(url string) (amqpConnection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		return realConnection{c: conn}, nil
	}
)

func getAmqpDialFunc() func(string) (amqpConnection, error) {
	dialMu.RLock()
	defer dialMu.RUnlock()
	return amqpDialFunc
}

func setAmqpDialFunc(fn func(string) (amqpConnection, error)) {
	dialMu.Lock()
	defer dialMu.Unlock()
	amqpDialFunc = fn
}
