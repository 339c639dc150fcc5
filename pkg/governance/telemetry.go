package governance

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// track wraps one orchestration step with the telemetry Provider's
// composite span/metrics helper, if one is configured. Span attributes
// are limited to identifiers (manifest_id) — never preconditions,
// signatures, or other payload contents.
func (c *Coordinator) track(ctx context.Context, op, manifestID string) (context.Context, func(error)) {
	if c.Telemetry == nil {
		return ctx, func(error) {}
	}
	return c.Telemetry.TrackOperation(ctx, op, attribute.String("manifest_id", manifestID))
}
