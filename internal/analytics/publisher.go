// Package analytics is the thin analytics-lane event publisher, grounded
// directly on original_source's sqs_service.py send_analytics_event helper.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

// Publisher emits named analytics events to the analytics lane. Errors are
// logged, never surfaced: analytics is explicitly non-blocking (§4.3 step 5).
type Publisher struct {
	substrate queue.Substrate
	log       logf.Logger
}

// New constructs an analytics Publisher over a Queue Substrate.
func New(substrate queue.Substrate, log logf.Logger) *Publisher {
	return &Publisher{substrate: substrate, log: log}
}

// Emit sends an analytics event, assigning a processing_id if the caller
// did not supply one, matching send_analytics_event's metadata defaulting.
func (p *Publisher) Emit(ctx context.Context, eventType string, eventData map[string]interface{}, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if _, ok := metadata["processing_id"]; !ok {
		metadata["processing_id"] = uuid.NewString()
	}

	payload := map[string]interface{}{
		"event_type": eventType,
		"event_data": eventData,
		"metadata":   metadata,
		"source":     "analytics",
		"timestamp":  time.Now().UTC().Unix(),
	}

	if _, err := p.substrate.Send(ctx, models.QueueTypeAnalytics, payload, queue.SendOpts{}); err != nil {
		p.log.Warn("analytics: failed to emit event", "event_type", eventType, "error", err)
	}
}
