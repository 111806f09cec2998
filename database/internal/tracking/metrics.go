// Package tracking records OpenTelemetry metrics for nested transactions and
// command execution. Recording is best effort: instrument failures never
// reach the caller.
package tracking

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	dbMeterName = "go-bricks-txn/database"

	metricDBCalls       = "db.client.calls"
	metricDBDuration    = "db.client.operation.duration"
	metricTxOperations  = "db.transaction.operations"
	metricTxUnusable    = "db.transaction.unusable"
	metricRowsAffected  = "db.rows.affected"
	metricRowsReturned  = "db.rows.returned"
	attrDBSystem        = "db.system"
	attrDBName          = "db.name"
	attrDBOperation     = "db.operation.name"
	attrDBTable         = "db.sql.table"
	attrTxOperation     = "db.transaction.operation"
	attrTxNestingLevel  = "db.transaction.nesting_level"
	attrUnusableReason  = "db.transaction.unusable_reason"
	attrError           = "error"
	attrCommandKind     = "db.command.kind"
	attrCommandLongWait = "db.command.long_running"
)

// Transaction operation names recorded under db.transaction.operation.
const (
	OpBegin               = "begin"
	OpCommit              = "commit"
	OpRollback            = "rollback"
	OpSavepoint           = "savepoint"
	OpReleaseSavepoint    = "release_savepoint"
	OpRollbackToSavepoint = "rollback_to_savepoint"
)

var (
	dbMeter     metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	dbCallsCounter        metric.Int64Counter
	dbDurationHistogram   metric.Float64Histogram
	dbRowsAffectedCounter metric.Int64Counter
	dbRowsReturnedCounter metric.Int64Counter
	txOperationsCounter   metric.Int64Counter
	txUnusableCounter     metric.Int64Counter
)

// logMetricError logs a metric initialization error to stderr.
func logMetricError(metricName string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize metric %s: %v\n", metricName, err)
	}
}

func initDBMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if dbMeter != nil {
		return
	}

	dbMeter = otel.Meter(dbMeterName)

	var err error
	dbCallsCounter, err = dbMeter.Int64Counter(
		metricDBCalls,
		metric.WithDescription("Total number of database client calls"),
	)
	logMetricError(metricDBCalls, err)

	dbDurationHistogram, err = dbMeter.Float64Histogram(
		metricDBDuration,
		metric.WithDescription("Duration of database operations in milliseconds"),
		metric.WithUnit("ms"),
	)
	logMetricError(metricDBDuration, err)

	dbRowsAffectedCounter, err = dbMeter.Int64Counter(
		metricRowsAffected,
		metric.WithDescription("Number of rows affected by database operations"),
	)
	logMetricError(metricRowsAffected, err)

	dbRowsReturnedCounter, err = dbMeter.Int64Counter(
		metricRowsReturned,
		metric.WithDescription("Number of rows read through reader commands"),
	)
	logMetricError(metricRowsReturned, err)

	txOperationsCounter, err = dbMeter.Int64Counter(
		metricTxOperations,
		metric.WithDescription("Transaction and savepoint operations issued to the engine"),
	)
	logMetricError(metricTxOperations, err)

	txUnusableCounter, err = dbMeter.Int64Counter(
		metricTxUnusable,
		metric.WithDescription("Transactions that became unusable before being unwound"),
	)
	logMetricError(metricTxUnusable, err)
}

func getDBMeter() metric.Meter {
	meterOnce.Do(initDBMeter)
	return dbMeter
}

// Recorder records metrics for one database of one unit-of-work context.
type Recorder struct {
	attrs []attribute.KeyValue
}

// NewRecorder creates a Recorder labelled with the engine and database name.
func NewRecorder(system, database string) *Recorder {
	return &Recorder{attrs: []attribute.KeyValue{
		attribute.String(attrDBSystem, system),
		attribute.String(attrDBName, database),
	}}
}

func (r *Recorder) with(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(r.attrs)+len(extra))
	attrs = append(attrs, r.attrs...)
	attrs = append(attrs, extra...)
	return metric.WithAttributes(attrs...)
}

// Transaction records one transaction or savepoint operation at nestingLevel.
func (r *Recorder) Transaction(ctx context.Context, op string, nestingLevel int, err error) {
	if getDBMeter() == nil || txOperationsCounter == nil {
		return
	}
	txOperationsCounter.Add(ctx, 1, r.with(
		attribute.String(attrTxOperation, op),
		attribute.Int(attrTxNestingLevel, nestingLevel),
		attribute.Bool(attrError, err != nil),
	))
}

// Unusable records a transaction that died for reason.
func (r *Recorder) Unusable(ctx context.Context, reason string) {
	if getDBMeter() == nil || txUnusableCounter == nil {
		return
	}
	txUnusableCounter.Add(ctx, 1, r.with(attribute.String(attrUnusableReason, reason)))
}

// Command records one command execution of the given kind (non_query,
// scalar, reader). rows counts affected rows, or rows read for a reader.
func (r *Recorder) Command(ctx context.Context, kind, text string, longRunning bool, start time.Time, rows int64, err error) {
	if getDBMeter() == nil {
		return
	}

	common := []attribute.KeyValue{
		attribute.String(attrDBOperation, extractDBOperation(text)),
		attribute.String(attrDBTable, extractTableName(text)),
		attribute.String(attrCommandKind, kind),
	}

	if dbCallsCounter != nil {
		dbCallsCounter.Add(ctx, 1, r.with(append(common,
			attribute.Bool(attrError, err != nil),
			attribute.Bool(attrCommandLongWait, longRunning))...))
	}
	if dbDurationHistogram != nil {
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		dbDurationHistogram.Record(ctx, ms, r.with(common...))
	}
	if rows <= 0 || err != nil {
		return
	}
	counter := dbRowsAffectedCounter
	if kind == "reader" {
		counter = dbRowsReturnedCounter
	}
	if counter != nil {
		counter.Add(ctx, rows, r.with(common...))
	}
}

var (
	selectTableRegex = regexp.MustCompile("(?i)FROM\\s+(?:[`\"']?\\w+[`\"']?\\.)?[`\"']?(\\w+)[`\"']?")
	insertTableRegex = regexp.MustCompile("(?i)INSERT\\s+INTO\\s+(?:[`\"']?\\w+[`\"']?\\.)?[`\"']?(\\w+)[`\"']?")
	updateTableRegex = regexp.MustCompile("(?i)UPDATE\\s+(?:[`\"']?\\w+[`\"']?\\.)?[`\"']?(\\w+)[`\"']?")
	deleteTableRegex = regexp.MustCompile("(?i)DELETE\\s+FROM\\s+(?:[`\"']?\\w+[`\"']?\\.)?[`\"']?(\\w+)[`\"']?")
)

// extractDBOperation returns the lower-cased leading keyword of a statement.
func extractDBOperation(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}

// extractTableName returns the first table of a DML statement or "unknown".
// It is a lightweight matcher, not a SQL parser.
func extractTableName(query string) string {
	query = strings.TrimSpace(query)
	upper := strings.ToUpper(query)

	var pattern *regexp.Regexp
	switch {
	case strings.HasPrefix(upper, "SELECT"):
		pattern = selectTableRegex
	case strings.HasPrefix(upper, "INSERT"):
		pattern = insertTableRegex
	case strings.HasPrefix(upper, "UPDATE"):
		pattern = updateTableRegex
	case strings.HasPrefix(upper, "DELETE"):
		pattern = deleteTableRegex
	default:
		return "unknown"
	}

	if m := pattern.FindStringSubmatch(query); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	return "unknown"
}
