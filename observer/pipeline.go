package observer

import (
	"context"
	"errors"

	"github.com/nevindra/engram"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// LifecycleHook returns an engram.OperationHook that records every
// scheduled decay, promotion, and cleanup run. Pass it to the scheduler
// via engram.WithOnOperation.
func LifecycleHook(inst *Instruments) engram.OperationHook {
	return func(op string, ref engram.AgentRef, err error) {
		ctx := context.Background()

		status := "ok"
		switch {
		case errors.Is(err, context.Canceled):
			status = "cancelled"
		case err != nil:
			status = "error"
		}

		inst.LifecycleOps.Add(ctx, 1, metric.WithAttributes(
			AttrLifecycleOp.String(op),
			AttrAgentID.String(ref.AgentID),
			attribute.String("status", status),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		if err != nil {
			rec.SetSeverity(otellog.SeverityWarn)
		}
		rec.SetBody(otellog.StringValue("lifecycle operation completed"))
		rec.AddAttributes(
			otellog.String("lifecycle.operation", op),
			otellog.String("memory.user_id", ref.UserID),
			otellog.String("memory.agent_id", ref.AgentID),
			otellog.String("status", status),
		)
		if err != nil {
			rec.AddAttributes(otellog.String("error", err.Error()))
		}
		inst.Logger.Emit(ctx, rec)
	}
}

// RecordExtraction counts memories produced by one extraction pass.
// Call it with the result of BatchProcessor.AddMessage or Flush.
func (i *Instruments) RecordExtraction(ctx context.Context, agentID string, memories []engram.Memory) {
	if len(memories) == 0 {
		return
	}
	byExtractor := make(map[string]int64)
	for _, m := range memories {
		ex, _ := m.Metadata["extractor"].(string)
		if ex == "" {
			ex = "unknown"
		}
		byExtractor[ex]++
	}
	for ex, n := range byExtractor {
		i.MemoriesExtracted.Add(ctx, n, metric.WithAttributes(
			AttrAgentID.String(agentID),
			AttrExtractor.String(ex),
		))
	}
}
