// Package queue implements the Queue Substrate (§4.2): three lanes
// (incoming, outgoing, analytics), each with visibility-timeout ownership,
// long polling, and a dead-letter lane after max_receive_count deliveries.
package queue

import (
	"context"
	"time"

	"github.com/nyife/waengine/internal/models"
)

// Envelope is the framed payload carried on a lane, matching the schema
// grounded in original_source's sqs_service.py: a top-level {data, metadata}
// wrapper plus delivery bookkeeping the substrate itself tracks.
type Envelope struct {
	Data          map[string]interface{} `json:"data"`
	Metadata      EnvelopeMetadata       `json:"metadata"`
	Attributes    map[string]string      `json:"-"`
	ReceiptHandle string                 `json:"-"`
	ReceiveCount  int                    `json:"-"`
}

// EnvelopeMetadata is the envelope's metadata block.
type EnvelopeMetadata struct {
	SentAt      time.Time `json:"sent_at"`
	QueueType   models.QueueType `json:"queue_type"`
	MessageUUID string    `json:"message_uuid"`
	Version     string    `json:"version"`
}

// SendOpts carries the optional fields of §4.2 send.
type SendOpts struct {
	Delay      time.Duration
	Attributes map[string]string
}

// Defaults per §4.2/§6.
const (
	DefaultVisibilitySeconds = 900
	DefaultWaitSeconds       = 20
	DefaultMaxReceiveCount   = 3
)

// Attributes is the depth-statistics shape returned by attributes(lane).
type Attributes struct {
	ApproximateDepth    int64
	ApproximateInFlight int64
}

// Substrate is the Queue Substrate contract of §4.2.
type Substrate interface {
	Send(ctx context.Context, lane models.QueueType, payload map[string]interface{}, opts SendOpts) (string, error)
	Receive(ctx context.Context, lane models.QueueType, max int, waitSeconds, visibilitySeconds int) ([]Envelope, error)
	Delete(ctx context.Context, lane models.QueueType, receiptHandle string) error
	ExtendVisibility(ctx context.Context, lane models.QueueType, receiptHandle string, seconds int) error
	Attributes(ctx context.Context, lane models.QueueType) (Attributes, error)
}
