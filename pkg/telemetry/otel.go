package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"

	"github.com/gpm-project/gpm/pkg/classifier"
	"github.com/gpm-project/gpm/pkg/gpu"
	"github.com/gpm-project/gpm/pkg/log"
	"github.com/gpm-project/gpm/pkg/ollama"
	"github.com/gpm-project/gpm/version"
)

const (
	pushInterval  = 10 * time.Second
	exportTimeout = 3 * time.Second
)

// Recorder is the push-side exporter family. Instruments mirror the
// scrape family and are flushed to the OTLP endpoint on a periodic
// reader.
type Recorder struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	gpuUtilization metric.Float64Gauge
	gpuMemoryUsed  metric.Int64Gauge
	gpuMemoryTotal metric.Int64Gauge
	gpuTemperature metric.Float64Gauge
	gpuPower       metric.Float64Gauge

	llmTokensPerSecond  metric.Float64Histogram
	llmTimeToFirstToken metric.Float64Histogram
	llmTotalTokens      metric.Int64Counter

	processCount     metric.Int64Gauge
	processGPUMemory metric.Int64Gauge
}

// NewRecorder connects to the OTLP gRPC endpoint and registers the
// instrument set. The endpoint may carry an http:// scheme prefix.
func NewRecorder(ctx context.Context, endpoint string) (*Recorder, error) {
	target := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	hostname, _ := os.Hostname()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("gpm"),
			semconv.ServiceVersion(version.Version),
			semconv.HostName(hostname),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(target),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(pushInterval))),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "llm.tokens_per_second"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: tpsBuckets,
			}},
		)),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "llm.time_to_first_token.ms"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: ttftBuckets,
			}},
		)),
	)

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(target),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	r := &Recorder{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	}
	if err := r.buildInstruments(meterProvider.Meter("gpm")); err != nil {
		_ = meterProvider.Shutdown(ctx)
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	log.Logger.Infow("OTLP telemetry initialized", "endpoint", target)
	return r, nil
}

func (r *Recorder) buildInstruments(meter metric.Meter) error {
	var err error
	if r.gpuUtilization, err = meter.Float64Gauge("gpu.utilization.percent",
		metric.WithDescription("GPU utilization percentage"),
		metric.WithUnit("%")); err != nil {
		return err
	}
	if r.gpuMemoryUsed, err = meter.Int64Gauge("gpu.memory.used.bytes",
		metric.WithDescription("GPU memory used in bytes"),
		metric.WithUnit("By")); err != nil {
		return err
	}
	if r.gpuMemoryTotal, err = meter.Int64Gauge("gpu.memory.total.bytes",
		metric.WithDescription("GPU total memory in bytes"),
		metric.WithUnit("By")); err != nil {
		return err
	}
	if r.gpuTemperature, err = meter.Float64Gauge("gpu.temperature.celsius",
		metric.WithDescription("GPU temperature in Celsius"),
		metric.WithUnit("Cel")); err != nil {
		return err
	}
	if r.gpuPower, err = meter.Float64Gauge("gpu.power.watts",
		metric.WithDescription("GPU power consumption in watts"),
		metric.WithUnit("W")); err != nil {
		return err
	}
	if r.llmTokensPerSecond, err = meter.Float64Histogram("llm.tokens_per_second",
		metric.WithDescription("LLM generation tokens per second"),
		metric.WithUnit("{token}/s")); err != nil {
		return err
	}
	if r.llmTimeToFirstToken, err = meter.Float64Histogram("llm.time_to_first_token.ms",
		metric.WithDescription("Time to first token in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	if r.llmTotalTokens, err = meter.Int64Counter("llm.tokens.total",
		metric.WithDescription("Total tokens processed"),
		metric.WithUnit("{token}")); err != nil {
		return err
	}
	if r.processCount, err = meter.Int64Gauge("process.count",
		metric.WithDescription("Number of GPU processes by category")); err != nil {
		return err
	}
	if r.processGPUMemory, err = meter.Int64Gauge("process.gpu_memory.bytes",
		metric.WithDescription("GPU memory used by process category"),
		metric.WithUnit("By")); err != nil {
		return err
	}
	return nil
}

func (r *Recorder) UpdateGPUSample(ctx context.Context, sample gpu.Sample) {
	attrs := metric.WithAttributes(
		attribute.String("gpu_id", strconv.FormatUint(uint64(sample.GPUID), 10)),
		attribute.String("gpu_name", sample.Name),
	)
	r.gpuUtilization.Record(ctx, float64(sample.UtilizationGPU), attrs)
	r.gpuMemoryUsed.Record(ctx, int64(sample.MemoryUsed), attrs)
	r.gpuMemoryTotal.Record(ctx, int64(sample.MemoryTotal), attrs)
	r.gpuTemperature.Record(ctx, float64(sample.Temperature), attrs)
	r.gpuPower.Record(ctx, float64(sample.PowerUsage), attrs)
}

func (r *Recorder) RecordSession(ctx context.Context, session ollama.Session) {
	attrs := metric.WithAttributes(attribute.String("model", session.Model))
	r.llmTokensPerSecond.Record(ctx, session.TokensPerSecond, attrs)
	if session.TimeToFirstTokenMS != nil {
		r.llmTimeToFirstToken.Record(ctx, float64(*session.TimeToFirstTokenMS), attrs)
	}
	r.llmTotalTokens.Add(ctx, int64(session.TotalTokens), attrs)
}

func (r *Recorder) UpdateProcesses(ctx context.Context, processes []classifier.ClassifiedProcess) {
	counts := map[string]int64{}
	memory := map[string]int64{}
	for _, p := range processes {
		category := string(p.Category)
		counts[category]++
		memory[category] += int64(p.GPUMemoryMB * 1024 * 1024)
	}
	for category, count := range counts {
		r.processCount.Record(ctx, count, metric.WithAttributes(attribute.String("category", category)))
	}
	for category, bytes := range memory {
		r.processGPUMemory.Record(ctx, bytes, metric.WithAttributes(attribute.String("category", category)))
	}
}

func (r *Recorder) Shutdown(ctx context.Context) {
	if err := r.meterProvider.Shutdown(ctx); err != nil {
		log.Logger.Warnw("failed to shut down meter provider", "error", err)
	}
	if err := r.tracerProvider.Shutdown(ctx); err != nil {
		log.Logger.Warnw("failed to shut down tracer provider", "error", err)
	}
}
