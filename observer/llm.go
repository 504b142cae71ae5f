package observer

import (
	"context"
	"time"

	"github.com/nevindra/engram"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedLLM wraps an engram.LLM with OTEL instrumentation.
type ObservedLLM struct {
	inner engram.LLM
	inst  *Instruments
	model string
}

// WrapLLM returns an instrumented adapter that emits traces, metrics, and
// logs. model is the fallback model name for attributes and pricing when a
// request does not name one.
func WrapLLM(inner engram.LLM, model string, inst *Instruments) *ObservedLLM {
	return &ObservedLLM{inner: inner, inst: inst, model: model}
}

func (o *ObservedLLM) Name() string { return o.inner.Name() }

func (o *ObservedLLM) GenerateObject(ctx context.Context, req engram.GenerateRequest) (engram.ObjectResult, error) {
	model := o.modelOf(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_object", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.GenerateObject(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, model, "generate_object", status, durationMs, res.Usage)
	return res, err
}

func (o *ObservedLLM) StreamText(ctx context.Context, req engram.GenerateRequest, ch chan<- string) (engram.TextResult, error) {
	model := o.modelOf(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream_text", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap channel to count chunks.
	// The goroutine forwards chunks from wrappedCh to the caller's ch.
	// We use select with ctx.Done to avoid hanging if the context is cancelled.
	// Buffer wrappedCh generously so the inner adapter never blocks on send,
	// preventing a deadlock where the goroutine can't drain wrappedCh because
	// ch is full and nobody reads ch until StreamText returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for chunk := range wrappedCh {
			chunks++
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	res, err := o.inner.StreamText(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, model, "stream_text", status, durationMs, res.Usage)
	return res, err
}

func (o *ObservedLLM) modelOf(req engram.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedLLM) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage engram.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ engram.LLM = (*ObservedLLM)(nil)
