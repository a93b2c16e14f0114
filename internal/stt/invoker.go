package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrTranscriptionFailed wraps every failure surfaced by the Invoker,
// including timeouts and empty results.
var ErrTranscriptionFailed = errors.New("transcription failed")

const instrumentationName = "github.com/loqalabs/loqa-transcribe/stt"

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "openai":
		return NewOpenAIRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

// Invoker applies the call timeout and instrumentation around a Recognizer.
// It never retries; that decision belongs to the caller.
type Invoker struct {
	recognizer Recognizer
	timeout    time.Duration
	log        *slog.Logger
	tracer     trace.Tracer
	latency    metric.Float64Histogram
	failures   metric.Int64Counter
}

func NewInvoker(recognizer Recognizer, timeout time.Duration, log *slog.Logger) *Invoker {
	inv := &Invoker{
		recognizer: recognizer,
		timeout:    timeout,
		log:        log.With(slog.String("component", "stt-invoker")),
		tracer:     otel.Tracer(instrumentationName),
	}
	if err := inv.initMetrics(otel.Meter(instrumentationName)); err != nil {
		inv.log.Warn("failed to initialize metrics", slogError(err))
	}
	return inv
}

func (i *Invoker) initMetrics(meter metric.Meter) error {
	var err error
	i.latency, err = meter.Float64Histogram("loqa.stt.latency",
		metric.WithDescription("Transcription call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	i.failures, err = meter.Int64Counter("loqa.stt.failures",
		metric.WithDescription("Transcription calls that failed or returned no text"))
	return err
}

// Transcribe sends one concatenated batch to the backend and returns its text.
func (i *Invoker) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx, span := i.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.Int("audio.bytes", len(audio))))
	defer span.End()

	start := time.Now()
	result, err := i.recognizer.Transcribe(ctx, audio)
	elapsed := time.Since(start)
	if i.latency != nil {
		i.latency.Record(ctx, elapsed.Seconds())
	}

	text := strings.TrimSpace(result.Text)
	if err == nil && text == "" {
		err = errors.New("no transcription generated")
	}
	if err != nil {
		if i.failures != nil {
			i.failures.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.log.Warn("stt transcription failed",
			slog.Int("bytes", len(audio)),
			slog.Duration("elapsed", elapsed),
			slogError(err))
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}

	i.log.Debug("stt transcription complete",
		slog.Int("bytes", len(audio)),
		slog.Int("chars", len(text)),
		slog.Duration("elapsed", elapsed))
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
