package queue

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
)

// CampaignStatsChannel is the Redis pub/sub channel carrying campaign stats
// updates to realtime subscribers, adapted from the teacher's
// internal/queue/pubsub.go (single-tenant: no organization scoping).
const CampaignStatsChannel = "waengine:campaign_stats"

// CampaignStatsUpdate is broadcast whenever a Campaign's counters change.
type CampaignStatsUpdate struct {
	CampaignID     string               `json:"campaign_id"`
	Status         models.CampaignStatus `json:"status"`
	SentCount      int                  `json:"sent_count"`
	DeliveredCount int                  `json:"delivered_count"`
	ReadCount      int                  `json:"read_count"`
	FailedCount    int                  `json:"failed_count"`
	PendingCount   int                  `json:"pending_count"`
	SkippedCount   int                  `json:"skipped_count"`
}

// Publisher publishes campaign stats updates over Redis pub/sub.
type Publisher struct {
	client *redis.Client
	log    logf.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client, log logf.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

// PublishCampaignStats publishes one update.
func (p *Publisher) PublishCampaignStats(ctx context.Context, update *CampaignStatsUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, CampaignStatsChannel, payload).Err(); err != nil {
		p.log.Error("queue: failed to publish campaign stats", "error", err, "campaign_id", update.CampaignID)
		return err
	}
	p.log.Debug("queue: published campaign stats update", "campaign_id", update.CampaignID, "status", update.Status)
	return nil
}

// Subscriber subscribes to campaign stats updates.
type Subscriber struct {
	client *redis.Client
	log    logf.Logger
	pubsub *redis.PubSub
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(client *redis.Client, log logf.Logger) *Subscriber {
	return &Subscriber{client: client, log: log}
}

// SubscribeCampaignStats invokes handler for each received update until ctx
// is cancelled.
func (s *Subscriber) SubscribeCampaignStats(ctx context.Context, handler func(update *CampaignStatsUpdate)) error {
	s.pubsub = s.client.Subscribe(ctx, CampaignStatsChannel)

	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("queue: subscribed to campaign stats channel")

	ch := s.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.log.Info("queue: campaign stats subscriber shutting down")
				return
			case msg, ok := <-ch:
				if !ok {
					s.log.Info("queue: campaign stats channel closed")
					return
				}
				var update CampaignStatsUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					s.log.Error("queue: failed to unmarshal campaign stats update", "error", err)
					continue
				}
				handler(&update)
			}
		}
	}()

	return nil
}

// Close closes the subscriber's pub/sub connection.
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}
