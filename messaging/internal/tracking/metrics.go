// Package tracking records OpenTelemetry metrics for post-commit publishing.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	amqpMeterName = "go-bricks-txn/messaging"

	// Standard OTel messaging metric names
	metricOperationDuration = "messaging.client.operation.duration"
	metricMessagesSent      = "messaging.client.sent.messages"
	metricMessagesConsumed  = "messaging.client.consumed.messages"

	metricConnectionCreate = "messaging.connection.create"

	attrMessagingSystem      = "messaging.system"
	attrMessagingOperation   = "messaging.operation.name"
	attrMessagingDestination = "messaging.destination.name"
	attrErrorType            = "error.type"
	attrOutcome              = "outcome"

	operationPublish = "publish"
	operationReceive = "receive"

	messagingSystemRabbitMQ = "rabbitmq"
)

var (
	amqpMeter   metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	amqpOperationDuration metric.Float64Histogram
	amqpMessagesSent      metric.Int64Counter
	amqpMessagesConsumed  metric.Int64Counter
	amqpConnectionCreate  metric.Int64Counter
)

// logMetricError logs a metric initialization error to stderr.
// Metrics failures should not break publishing.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize metric %s: %v\n", metricName, err)
	}
}

func initAMQPMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if amqpMeter != nil {
		return
	}
	amqpMeter = otel.Meter(amqpMeterName)

	var err error
	amqpOperationDuration, err = amqpMeter.Float64Histogram(
		metricOperationDuration,
		metric.WithDescription("Duration of messaging operation initiated by a producer or consumer client"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10),
	)
	logMetricError(metricOperationDuration, err)

	amqpMessagesSent, err = amqpMeter.Int64Counter(
		metricMessagesSent,
		metric.WithDescription("Number of messages producer attempted to send to the broker"),
		metric.WithUnit("{message}"),
	)
	logMetricError(metricMessagesSent, err)

	amqpMessagesConsumed, err = amqpMeter.Int64Counter(
		metricMessagesConsumed,
		metric.WithDescription("Number of messages that were delivered to the application"),
		metric.WithUnit("{message}"),
	)
	logMetricError(metricMessagesConsumed, err)

	amqpConnectionCreate, err = amqpMeter.Int64Counter(
		metricConnectionCreate,
		metric.WithDescription("Number of AMQP connection and channel setups"),
		metric.WithUnit("{connection}"),
	)
	logMetricError(metricConnectionCreate, err)
}

func getAMQPMeter() metric.Meter {
	meterOnce.Do(initAMQPMeter)
	return amqpMeter
}

// RecordPublish records one publish attempt. Sent messages are counted on
// success and failure alike; failures carry error.type.
func RecordPublish(ctx context.Context, exchange, routingKey string, duration time.Duration, err error) {
	if getAMQPMeter() == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.String(attrMessagingOperation, operationPublish),
		attribute.String(attrMessagingDestination, formatDestinationName(exchange, routingKey, "")),
	}
	if errorType := extractErrorType(err); errorType != "" {
		attrs = append(attrs, attribute.String(attrErrorType, errorType))
	}
	opt := metric.WithAttributes(attrs...)

	if amqpOperationDuration != nil {
		amqpOperationDuration.Record(ctx, duration.Seconds(), opt)
	}
	if amqpMessagesSent != nil {
		amqpMessagesSent.Add(ctx, 1, opt)
	}
}

// RecordConsume counts a delivery handed to the application.
func RecordConsume(ctx context.Context, exchange, routingKey, queue string) {
	if getAMQPMeter() == nil || amqpMessagesConsumed == nil {
		return
	}
	amqpMessagesConsumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.String(attrMessagingOperation, operationReceive),
		attribute.String(attrMessagingDestination, formatDestinationName(exchange, routingKey, queue)),
	))
}

// RecordConnection counts a connection setup attempt.
func RecordConnection(err error) {
	if getAMQPMeter() == nil || amqpConnectionCreate == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	amqpConnectionCreate.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrMessagingSystem, messagingSystemRabbitMQ),
		attribute.String(attrOutcome, outcome),
	))
}

// formatDestinationName follows the OpenTelemetry RabbitMQ convention:
// "{exchange}:{routing_key}" for producers, with ":{queue}" appended for
// consumers. The default exchange is the empty string.
func formatDestinationName(exchange, routingKey, queue string) string {
	if queue != "" {
		return fmt.Sprintf("%s:%s:%s", exchange, routingKey, queue)
	}
	return fmt.Sprintf("%s:%s", exchange, routingKey)
}

func extractErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "context.Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "context.DeadlineExceeded"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// ResetForTesting drops the cached instruments so the next call binds to
// the current global meter provider.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()
	meterOnce = sync.Once{}
	amqpMeter = nil
	amqpOperationDuration = nil
	amqpMessagesSent = nil
	amqpMessagesConsumed = nil
	amqpConnectionCreate = nil
}
