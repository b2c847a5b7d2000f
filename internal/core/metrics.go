package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names and dimensions published by the API.
const (
	MetricAPILatency     = "APILatency"
	MetricAPIRequests    = "APIRequestCount"
	MetricWebhookOutcome = "WebhookOutcome"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
	DimSource   = "Source"
	DimOutcome  = "Outcome"
)

// MetricsCollector records API and webhook telemetry.
type MetricsCollector interface {
	RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration)
	// RecordWebhook counts one inbound webhook by source and outcome
	// (applied, already_terminal, invalid_signature, ...).
	RecordWebhook(ctx context.Context, source, outcome string)
}

// NoopMetrics discards everything. Used locally and in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(context.Context, string, string, string, time.Duration) {}
func (NoopMetrics) RecordWebhook(context.Context, string, string)                       {}

// CloudWatchClient is the subset of the CloudWatch SDK used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ MetricsCollector = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes metrics with PutMetricData. Publishing errors
// are logged and never fail the request.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a collector for namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordRequest emits latency and count with method, endpoint and status.
func (m *CloudWatchMetrics) RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimMethod), Value: aws.String(method)},
		{Name: aws.String(DimEndpoint), Value: aws.String(endpoint)},
		{Name: aws.String(DimStatus), Value: aws.String(status)},
	}
	m.put(context.WithoutCancel(ctx), []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
		{
			MetricName: aws.String(MetricAPIRequests),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
	})
}

// RecordWebhook emits one WebhookOutcome count.
func (m *CloudWatchMetrics) RecordWebhook(ctx context.Context, source, outcome string) {
	m.put(context.WithoutCancel(ctx), []cwtypes.MetricDatum{
		{
			MetricName: aws.String(MetricWebhookOutcome),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimSource), Value: aws.String(source)},
				{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
			},
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Warn("failed to publish metrics", "error", err, "namespace", m.namespace)
	}
}
