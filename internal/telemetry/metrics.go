package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const exportInterval = 30 * time.Second

// InitMeterProvider installs an OTLP/gRPC meter provider when endpoint is set,
// exporting every exportInterval. With an empty endpoint the no-op provider stays.
func InitMeterProvider(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Metrics holds the pipeline and chat instruments.
type Metrics struct {
	IngestOutcomes   metric.Int64Counter
	IngestDuration   metric.Float64Histogram
	EmbeddingBatches metric.Int64Counter
	ChatStreams      metric.Int64Counter
}

// InitMetrics builds the instruments on the global meter provider.
func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.GetMeterProvider())
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("lumen")

	ingestOutcomes, err := meter.Int64Counter(
		"ingest.outcomes.total",
		metric.WithDescription("Finished ingestion runs by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	ingestDuration, err := meter.Float64Histogram(
		"ingest.duration",
		metric.WithDescription("Ingestion run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	embeddingBatches, err := meter.Int64Counter(
		"embedding.batches.total",
		metric.WithDescription("Embedding provider calls"),
	)
	if err != nil {
		return nil, err
	}

	chatStreams, err := meter.Int64Counter(
		"chat.streams.total",
		metric.WithDescription("Chat streams by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		IngestOutcomes:   ingestOutcomes,
		IngestDuration:   ingestDuration,
		EmbeddingBatches: embeddingBatches,
		ChatStreams:      chatStreams,
	}, nil
}

// Nil-safe recorders so components can run without metrics in tests.

func (m *Metrics) RecordIngest(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.IngestOutcomes.Add(ctx, 1, attrs)
	m.IngestDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordEmbeddingBatch(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.EmbeddingBatches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) RecordChatStream(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ChatStreams.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
