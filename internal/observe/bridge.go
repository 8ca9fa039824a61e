package observe

import (
	"context"

	"github.com/atlasvoice/voicert/internal/arbiter"
	"github.com/atlasvoice/voicert/internal/bus"
	"github.com/atlasvoice/voicert/internal/resilience"
	"go.opentelemetry.io/otel/metric"
)

// BindBus subscribes the metric instruments to the runtime's event stream so
// mode transitions, circuit opens and resource usage show up in /metrics
// without the publishing components knowing about OTel. Returns the
// subscription ids for teardown.
func BindBus(b *bus.Bus, m *Metrics) []bus.SubscriptionID {
	ids := []bus.SubscriptionID{
		b.Subscribe(arbiter.EventModeChanged, func(ctx context.Context, evt bus.Event) error {
			change, ok := evt.Payload.(arbiter.ModeChange)
			if !ok {
				return nil
			}
			m.ModeTransitions.Add(ctx, 1, metric.WithAttributes(
				Attr("from", change.From.String()),
				Attr("to", change.To.String()),
			))
			switch {
			case change.To.HoldsCapture() && !change.From.HoldsCapture():
				m.ResourceBusy.Add(ctx, 1)
			case !change.To.HoldsCapture() && change.From.HoldsCapture():
				m.ResourceBusy.Add(ctx, -1)
			}
			return nil
		}),
		b.Subscribe(resilience.EventCircuitOpened, func(ctx context.Context, evt bus.Event) error {
			if ce, ok := evt.Payload.(resilience.CircuitEvent); ok {
				m.RecordCircuitOpen(ctx, string(ce.Capability))
			}
			return nil
		}),
	}
	return ids
}
