// Package metrics emits reconciliation metrics to CloudWatch. Emission is
// best effort: a metrics outage must never fail event processing.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"receiptwise/internal/types"
)

// Metric and dimension names.
const (
	MetricEventsProcessed    = "EventsProcessed"
	MetricTransitionsApplied = "TransitionsApplied"
	MetricReceiptsExcluded   = "ReceiptsExcluded"
	MetricRolloverUsers      = "RolloverUsers"

	DimEventType = "EventType"
	DimResult    = "Result"
	DimToTier    = "ToTier"

	ResultOK    = "ok"
	ResultError = "error"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder records reconciliation outcomes.
type Recorder interface {
	// RecordEvent counts one processed webhook event by type and result.
	RecordEvent(ctx context.Context, eventType string, result string)

	// RecordTransition counts one applied tier transition and the number of
	// receipts its compensating exclusion touched.
	RecordTransition(ctx context.Context, toTier types.Tier, receiptsExcluded int)

	// RecordRollover counts users processed by one rollover run.
	RecordRollover(ctx context.Context, processed, failed int)
}

// CloudWatchRecorder implements Recorder over CloudWatch custom metrics.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a Recorder publishing to the given namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (r *CloudWatchRecorder) RecordEvent(ctx context.Context, eventType string, result string) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricEventsProcessed),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimEventType), Value: aws.String(eventType)},
			{Name: aws.String(DimResult), Value: aws.String(result)},
		},
	})
}

func (r *CloudWatchRecorder) RecordTransition(ctx context.Context, toTier types.Tier, receiptsExcluded int) {
	r.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricTransitionsApplied),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimToTier), Value: aws.String(string(toTier))},
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricReceiptsExcluded),
			Value:      aws.Float64(float64(receiptsExcluded)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

func (r *CloudWatchRecorder) RecordRollover(ctx context.Context, processed, failed int) {
	r.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRolloverUsers),
			Value:      aws.Float64(float64(processed)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimResult), Value: aws.String(ResultOK)},
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricRolloverUsers),
			Value:      aws.Float64(float64(failed)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimResult), Value: aws.String(ResultError)},
			},
		},
	)
}

func (r *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.WarnContext(ctx, "failed to put metric data", "error", err)
	}
}

// NoopRecorder discards all metrics. Used when metrics are disabled.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

func (NoopRecorder) RecordEvent(context.Context, string, string)       {}
func (NoopRecorder) RecordTransition(context.Context, types.Tier, int) {}
func (NoopRecorder) RecordRollover(context.Context, int, int)          {}
