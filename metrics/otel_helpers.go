package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// backgroundCtx is used for the fire-and-forget instrument writes the
// typed Counter/Gauge/Histogram/Timer wrappers perform — the typed
// interfaces in spec.md §4.D don't take a context themselves, but OTel
// instruments require one.
var backgroundCtx = context.Background()

func attrsFromTags(tags Tags) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
