package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-bricks-txn/logger"
	"github.com/gaborage/go-bricks-txn/messaging/internal/tracking"
)

const (
	messagingTracerName     = "go-bricks-txn/messaging"
	messagingSystemRabbitMQ = "rabbitmq"
	operationPublish        = "publish"
	operationReceive        = "receive"

	defaultConfirmTimeout = 10 * time.Second
)

var (
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("messaging: publisher closed")
	// ErrNotAcknowledged is returned when the broker nacks a publishing.
	ErrNotAcknowledged = errors.New("messaging: message not acknowledged by broker")
	// ErrConfirmTimeout is returned when no publisher confirm arrives in time.
	ErrConfirmTimeout = errors.New("messaging: publisher confirm timed out")

	errChannelClosed = errors.New("messaging: channel closed while waiting for confirm")
)

// AMQPPublisher publishes with publisher confirms on one lazily opened
// channel. A broken channel or connection is dropped and reopened on the
// next publish. Publish calls are serialized.
type AMQPPublisher struct {
	mu             sync.Mutex
	brokerURL      string
	log            logger.Logger
	conn           amqpConnection
	channel        amqpChannel
	confirms       chan amqp.Confirmation
	chanClosed     chan *amqp.Error
	confirmTimeout time.Duration
	closed         bool
}

// NewAMQPPublisher creates a publisher for brokerURL. No connection is made
// until the first publish.
func NewAMQPPublisher(brokerURL string, log logger.Logger) *AMQPPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &AMQPPublisher{
		brokerURL:      brokerURL,
		log:            log,
		confirmTimeout: defaultConfirmTimeout,
	}
}

// WithConfirmTimeout overrides how long Publish waits for a broker confirm.
func (p *AMQPPublisher) WithConfirmTimeout(d time.Duration) *AMQPPublisher {
	p.confirmTimeout = d
	return p
}

// Publish sends msg and waits for the broker to confirm it.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) (err error) {
	start := time.Now()
	ctx, span := startPublishSpan(ctx, &msg)
	defer func() {
		tracking.RecordPublish(ctx, msg.Exchange, msg.RoutingKey, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}

	publishing := msg.publishing()
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(publishing.Headers))
	if publishing.CorrelationId == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			publishing.CorrelationId = sc.TraceID().String()
		}
	}
	if publishing.MessageId != "" {
		span.SetAttributes(semconv.MessagingMessageID(publishing.MessageId))
	}

	if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, publishing); err != nil {
		p.dropChannel()
		return fmt.Errorf("failed to publish to %s: %w", msg.destination(), err)
	}
	return p.awaitConfirm(ctx)
}

func (p *AMQPPublisher) awaitConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.dropChannel()
			return errChannelClosed
		}
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNotAcknowledged, confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		// A late confirm would be matched to the next publishing.
		p.dropChannel()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.dropChannel()
		return ctx.Err()
	}
}

// DeclareQueue declares a queue on the publisher's channel.
func (p *AMQPPublisher) DeclareQueue(name string, durable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		p.dropChannel()
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Close closes the channel and connection. Later publishes fail with
// ErrPublisherClosed.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	err := p.dropChannel()
	p.log.Info().Msg("AMQP publisher closed")
	return err
}

// ensureChannel returns the open channel, reconnecting when the previous
// one was closed by the broker.
func (p *AMQPPublisher) ensureChannel() (amqpChannel, error) {
	if p.channel != nil {
		select {
		case amqpErr, ok := <-p.chanClosed:
			if ok && amqpErr != nil {
				p.log.Warn().Str("reason", amqpErr.Reason).Msg("AMQP channel closed, reconnecting")
			}
			p.dropChannel()
		default:
			return p.channel, nil
		}
	}

	err := p.connect()
	tracking.RecordConnection(err)
	if err != nil {
		p.log.Error().
			Err(err).
			Str("broker_url", redactAMQPURL(p.brokerURL)).
			Msg("Failed to connect to AMQP broker")
		return nil, err
	}
	return p.channel, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := getAmqpDialFunc()(p.brokerURL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.conn = conn
	p.channel = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.log.Info().Str("broker_url", redactAMQPURL(p.brokerURL)).Msg("Connected to AMQP broker")
	return nil
}

func (p *AMQPPublisher) dropChannel() error {
	var errs []error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.channel, p.conn, p.confirms, p.chanClosed = nil, nil, nil, nil
	return errors.Join(errs...)
}

func startPublishSpan(ctx context.Context, msg *Message) (context.Context, trace.Span) {
	destination := msg.destination()
	ctx, span := otel.Tracer(messagingTracerName).Start(ctx, destination+" "+operationPublish,
		trace.WithSpanKind(trace.SpanKindProducer))

	attrs := []attribute.KeyValue{
		attribute.String(string(semconv.MessagingSystemKey), messagingSystemRabbitMQ),
		semconv.MessagingOperationName(operationPublish),
		semconv.MessagingDestinationName(destination),
		semconv.MessagingMessageBodySize(len(msg.Body)),
	}
	if msg.Exchange != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.exchange", msg.Exchange))
	}
	if msg.RoutingKey != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.routing_key", msg.RoutingKey))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// StartConsumeSpan continues the trace carried by delivery's headers. The
// returned span must be ended by the caller.
func StartConsumeSpan(ctx context.Context, delivery *amqp.Delivery, queueName string) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(delivery.Headers))
	ctx, span := otel.Tracer(messagingTracerName).Start(ctx, queueName+" "+operationReceive,
		trace.WithSpanKind(trace.SpanKindConsumer))

	attrs := []attribute.KeyValue{
		attribute.String(string(semconv.MessagingSystemKey), messagingSystemRabbitMQ),
		semconv.MessagingOperationName(operationReceive),
		semconv.MessagingDestinationName(queueName),
		semconv.MessagingMessageBodySize(len(delivery.Body)),
	}
	if delivery.MessageId != "" {
		attrs = append(attrs, semconv.MessagingMessageID(delivery.MessageId))
	}
	if delivery.CorrelationId != "" {
		attrs = append(attrs, semconv.MessagingMessageConversationID(delivery.CorrelationId))
	}
	span.SetAttributes(attrs...)
	tracking.RecordConsume(ctx, delivery.Exchange, delivery.RoutingKey, queueName)
	return ctx, span
}

// headerCarrier adapts AMQP headers to the otel text map propagator.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (h headerCarrier) Get(key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

func (h headerCarrier) Set(key, value string) {
	if h != nil {
		h[key] = value
	}
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
