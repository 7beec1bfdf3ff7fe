package observe

import (
	"context"

	"github.com/MrWong99/phonoxa/internal/bus"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// BusObserver translates pipeline bus traffic into metrics. Subscribing it to
// [Topics] gives chunk throughput, per-analyzer latency and status counts,
// and aggregation outcomes without instrumenting any pipeline component
// directly. Events with unexpected payload types are ignored.
type BusObserver struct {
	metrics *Metrics
}

// NewBusObserver returns an observer recording into m.
func NewBusObserver(m *Metrics) *BusObserver {
	return &BusObserver{metrics: m}
}

// Topics returns the bus topics the observer understands. Subscribe it to
// each of them.
func (o *BusObserver) Topics() []string {
	return []string{
		types.TopicChunkIn,
		types.TopicVADDone,
		types.TopicASRDone,
		types.TopicDiaDone,
		types.TopicChunkDone,
	}
}

// HandleEvent implements [bus.Handler].
func (o *BusObserver) HandleEvent(ev bus.Event) {
	ctx := context.Background()
	switch ev.Topic {
	case types.TopicChunkIn:
		o.metrics.ChunksReceived.Add(ctx, 1)
		// Closed again on chunk_done. A chunk dropped by every worker never
		// produces a chunk_done, so the gauge can overcount under sustained
		// overload.
		o.metrics.PendingChunks.Add(ctx, 1)

	case types.TopicVADDone, types.TopicASRDone, types.TopicDiaDone:
		res, ok := ev.Payload.(types.AnalyzerResult)
		if !ok {
			return
		}
		status := "ok"
		switch {
		case res.OK:
		case res.Error == "timeout":
			status = "timeout"
		default:
			status = "error"
		}
		o.metrics.RecordAnalysis(ctx, string(res.Kind), status, res.ProcessingMS/1000)

	case types.TopicChunkDone:
		res, ok := ev.Payload.(types.AggregatedResult)
		if !ok {
			return
		}
		outcome := "flush"
		switch {
		case res.IsTimeout:
			outcome = "timeout"
		case res.IsComplete:
			outcome = "complete"
		}
		o.metrics.RecordAggregation(ctx, outcome, res.AggregationMS/1000)
		o.metrics.PendingChunks.Add(ctx, -1)
	}
}

var _ bus.Handler = (*BusObserver)(nil)
