package processor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/nyife/waengine/internal/campaign"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/whatsapp"
)

// OutgoingConfig configures the Outgoing Processor pool (§4.5).
type OutgoingConfig struct {
	Workers            int
	MaxMessages        int
	WaitSeconds        int
	VisibilitySeconds  int
	HeartbeatInterval  time.Duration
	HeartbeatExtension time.Duration
	RetryDelay         time.Duration
	MaxReceiveCount    int
}

// DefaultOutgoingConfig returns §4.5's defaults.
func DefaultOutgoingConfig() OutgoingConfig {
	return OutgoingConfig{
		Workers:            2,
		MaxMessages:        10,
		WaitSeconds:        20,
		VisibilitySeconds:  300,
		HeartbeatInterval:  60 * time.Second,
		HeartbeatExtension: 600 * time.Second,
		RetryDelay:         60 * time.Second,
		MaxReceiveCount:    3,
	}
}

// Outgoing implements the Outgoing Processor (§4.5).
type Outgoing struct {
	cfg         OutgoingConfig
	substrate   queue.Substrate
	db          *gorm.DB
	whatsapp    *whatsapp.Client
	campaigns   *campaign.Scheduler
	processorID string
	log         logf.Logger
}

// NewOutgoing constructs an Outgoing Processor. campaigns may be nil if
// campaign sends are not in use.
func NewOutgoing(cfg OutgoingConfig, substrate queue.Substrate, db *gorm.DB, client *whatsapp.Client, campaigns *campaign.Scheduler, log logf.Logger) *Outgoing {
	return &Outgoing{
		cfg:         cfg,
		substrate:   substrate,
		db:          db,
		whatsapp:    client,
		campaigns:   campaigns,
		processorID: uuid.NewString(),
		log:         log,
	}
}

// Run starts cfg.Workers receive loops, blocking until ctx is cancelled.
func (p *Outgoing) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			p.loop(ctx, workerIdx)
		}(i)
	}
	wg.Wait()
}

func (p *Outgoing) loop(ctx context.Context, workerIdx int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		envelopes, err := p.substrate.Receive(ctx, models.QueueTypeOutgoing, p.cfg.MaxMessages, p.cfg.WaitSeconds, p.cfg.VisibilitySeconds)
		if err != nil {
			p.log.Error("processor: outgoing receive failed", "worker", workerIdx, "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if len(envelopes) == 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		var wg sync.WaitGroup
		for _, env := range envelopes {
			wg.Add(1)
			go func(e queue.Envelope) {
				defer wg.Done()
				p.handle(ctx, e)
			}(env)
		}
		wg.Wait()
	}
}

func (p *Outgoing) handle(ctx context.Context, env queue.Envelope) {
	phone, _ := env.Data["phone"].(string)
	messageData, _ := env.Data["message_data"].(map[string]interface{})
	metadata, _ := env.Data["metadata"].(map[string]interface{})

	if phone == "" || len(messageData) == 0 {
		p.log.Error("processor: outgoing envelope missing phone or message_data")
		_ = p.substrate.Delete(ctx, models.QueueTypeOutgoing, env.ReceiptHandle)
		return
	}

	stop := startHeartbeat(ctx, p.substrate, models.QueueTypeOutgoing, env.ReceiptHandle, p.cfg.HeartbeatInterval, p.cfg.HeartbeatExtension, p.log)
	defer stop()
	_ = p.substrate.ExtendVisibility(ctx, models.QueueTypeOutgoing, env.ReceiptHandle, int(p.cfg.HeartbeatExtension.Seconds()))

	waMessageID, err := p.whatsapp.Send(ctx, phone, messageData)
	if err != nil {
		p.log.Error("processor: failed to send outgoing message", "phone", phone, "error", err)
		if env.ReceiveCount >= p.cfg.MaxReceiveCount {
			p.log.Error("processor: max retries reached, leaving for DLQ handoff", "phone", phone)
			return
		}
		_ = p.substrate.ExtendVisibility(ctx, models.QueueTypeOutgoing, env.ReceiptHandle, int(p.cfg.RetryDelay.Seconds()))
		return
	}

	p.persistOutbound(ctx, phone, messageData, waMessageID)

	if source, _ := metadata["source"].(string); source == "marketing_campaign" {
		p.markRecipientSent(ctx, metadata, waMessageID)
	}

	if err := p.substrate.Delete(ctx, models.QueueTypeOutgoing, env.ReceiptHandle); err != nil {
		p.log.Error("processor: failed to delete sent envelope", "phone", phone, "error", err)
	}
}

func (p *Outgoing) persistOutbound(ctx context.Context, phone string, messageData map[string]interface{}, waMessageID string) {
	if p.db == nil {
		return
	}
	msgType, _ := messageData["type"].(string)
	msg := &models.StoredMessage{
		MessageID:         waMessageID,
		FromPhone:         "business",
		ToPhone:           phone,
		Type:              models.MessageType(msgType),
		Content:           whatsapp.SummarizeOutbound(messageData),
		Status:            models.MessageStatusSent,
		Direction:         models.DirectionOutgoing,
		Timestamp:         time.Now().UTC(),
		WhatsAppMessageID: waMessageID,
	}
	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		p.log.Error("processor: failed to persist outgoing message", "message_id", waMessageID, "error", err)
	}
}

func (p *Outgoing) markRecipientSent(ctx context.Context, metadata map[string]interface{}, waMessageID string) {
	if p.campaigns == nil {
		return
	}
	recipientIDStr, _ := metadata["recipient_id"].(string)
	recipientID, err := uuid.Parse(recipientIDStr)
	if err != nil {
		p.log.Error("processor: invalid campaign recipient_id in metadata", "recipient_id", recipientIDStr, "error", err)
		return
	}
	if err := p.campaigns.MarkRecipientSent(ctx, recipientID, waMessageID); err != nil {
		p.log.Error("processor: failed to transition campaign recipient to sent", "recipient_id", recipientID, "error", err)
	}
}
