// Package processor implements the Incoming and Outgoing Processors
// (§4.4/§4.5): worker pools draining the Queue Substrate's lanes, claiming
// ownership via the Dedup Store, and dispatching to the Conversation
// Engine, Reply Engine, and WhatsApp adapter. Grounded on the teacher's
// RedisConsumer.Consume loop (internal/queue/redis.go) and the visibility
// heartbeat pattern in original_source's workers/message_processor.py and
// workers/outgoing_processor.py (_visibility_heartbeat).
package processor

import (
	"context"
	"time"

	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

// startHeartbeat periodically extends an envelope's visibility while its
// handler runs, cancelled via the returned stop function. Mirrors
// _visibility_heartbeat's "extend every interval seconds until told to
// stop" shape, generalized over lane.
func startHeartbeat(ctx context.Context, substrate queue.Substrate, lane models.QueueType, receiptHandle string, interval, extension time.Duration, log logf.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := substrate.ExtendVisibility(ctx, lane, receiptHandle, int(extension.Seconds())); err != nil {
					log.Warn("processor: visibility heartbeat failed", "lane", lane, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
