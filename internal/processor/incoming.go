package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/nyife/waengine/internal/conversation"
	"github.com/nyife/waengine/internal/dedup"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/reply"
	"github.com/nyife/waengine/internal/whatsapp"
)

// IncomingConfig configures the Incoming Processor pool (§4.4).
type IncomingConfig struct {
	Workers            int
	MaxMessages         int
	WaitSeconds         int
	VisibilitySeconds   int
	HeartbeatInterval   time.Duration
	HeartbeatExtension  time.Duration
}

// DefaultIncomingConfig returns §4.4's defaults.
func DefaultIncomingConfig() IncomingConfig {
	return IncomingConfig{
		Workers:            2, // multiplied by runtime.NumCPU() by the caller
		MaxMessages:        10,
		WaitSeconds:        20,
		VisibilitySeconds:  900,
		HeartbeatInterval:  60 * time.Second,
		HeartbeatExtension: 1800 * time.Second,
	}
}

// Incoming implements the Incoming Processor (§4.4).
type Incoming struct {
	cfg         IncomingConfig
	substrate   queue.Substrate
	dedup       *dedup.Store
	db          *gorm.DB
	conversation *conversation.Engine
	reply       *reply.Engine
	processorID string
	log         logf.Logger

	waClient *whatsapp.Client
	archiver *MediaArchiver
}

// EnableMediaArchival wires inbound media download (via client) and S3
// archival (via archiver) into the image/document/audio/video dispatch
// path. Optional — without it, media messages are persisted with their
// caption only and no MediaURL.
func (p *Incoming) EnableMediaArchival(client *whatsapp.Client, archiver *MediaArchiver) {
	p.waClient = client
	p.archiver = archiver
}

// NewIncoming constructs an Incoming Processor.
func NewIncoming(cfg IncomingConfig, substrate queue.Substrate, dedupStore *dedup.Store, db *gorm.DB, convEngine *conversation.Engine, replyEngine *reply.Engine, log logf.Logger) *Incoming {
	return &Incoming{
		cfg:          cfg,
		substrate:    substrate,
		dedup:        dedupStore,
		db:           db,
		conversation: convEngine,
		reply:        replyEngine,
		processorID:  uuid.NewString(),
		log:          log,
	}
}

// Run starts cfg.Workers receive loops, blocking until ctx is cancelled.
func (p *Incoming) Run(ctx context.Context) {
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

func (p *Incoming) loop(ctx context.Context, workerIdx int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		envelopes, err := p.substrate.Receive(ctx, models.QueueTypeIncoming, p.cfg.MaxMessages, p.cfg.WaitSeconds, p.cfg.VisibilitySeconds)
		if err != nil {
			p.log.Error("processor: incoming receive failed", "worker", workerIdx, "error", err)
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

func (p *Incoming) handle(ctx context.Context, env queue.Envelope) {
	webhookData, _ := env.Data["webhook_data"].(map[string]interface{})
	message, _ := webhookData["message"].(map[string]interface{})
	metadata, _ := env.Data["metadata"].(map[string]interface{})

	messageID, _ := message["id"].(string)
	if messageID == "" {
		messageID, _ = metadata["message_id"].(string)
	}
	phone, _ := message["from"].(string)
	msgType, _ := message["type"].(string)
	if messageID == "" {
		p.log.Error("processor: incoming envelope missing message_id")
		_ = p.substrate.Delete(ctx, models.QueueTypeIncoming, env.ReceiptHandle)
		return
	}

	claimed, err := p.dedup.Claim(ctx, messageID, p.processorID)
	if err != nil {
		p.log.Error("processor: claim failed", "message_id", messageID, "error", err)
		return
	}
	if !claimed {
		p.log.Info("processor: message already claimed by another processor", "message_id", messageID)
		_ = p.substrate.Delete(ctx, models.QueueTypeIncoming, env.ReceiptHandle)
		return
	}

	stop := startHeartbeat(ctx, p.substrate, models.QueueTypeIncoming, env.ReceiptHandle, p.cfg.HeartbeatInterval, p.cfg.HeartbeatExtension, p.log)
	defer stop()
	_ = p.substrate.ExtendVisibility(ctx, models.QueueTypeIncoming, env.ReceiptHandle, int(p.cfg.HeartbeatExtension.Seconds()))

	mediaURL := p.archiveMedia(ctx, messageID, msgType, message)
	stored := p.persistInbound(ctx, messageID, phone, msgType, message, mediaURL)

	result, procErr := p.dispatch(ctx, phone, msgType, message)

	if procErr != nil {
		p.log.Error("processor: dispatch failed", "message_id", messageID, "error", procErr)
		_ = p.dedup.UpdateStatus(ctx, messageID, models.DedupStatusFailed, p.processorID, dedup.UpdateOpts{Error: procErr.Error()})
		p.updateStoredStatus(ctx, stored, models.MessageStatusFailed)
		_ = p.substrate.ExtendVisibility(ctx, models.QueueTypeIncoming, env.ReceiptHandle, 300)
		return
	}

	if err := p.dedup.UpdateStatus(ctx, messageID, models.DedupStatusCompleted, p.processorID, dedup.UpdateOpts{Result: result}); err != nil {
		p.log.Warn("processor: lost ownership before completion, leaving envelope for redelivery", "message_id", messageID, "error", err)
		return
	}
	p.updateStoredStatus(ctx, stored, models.MessageStatusProcessed)

	if err := p.substrate.Delete(ctx, models.QueueTypeIncoming, env.ReceiptHandle); err != nil {
		p.log.Error("processor: failed to delete processed envelope", "message_id", messageID, "error", err)
	}
}

// dispatch implements §4.4 step 4's type-tagged dispatch.
func (p *Incoming) dispatch(ctx context.Context, phone, msgType string, message map[string]interface{}) (string, error) {
	switch msgType {
	case "text":
		text, _ := message["text"].(map[string]interface{})
		body, _ := text["body"].(string)

		if p.conversation != nil {
			res, err := p.conversation.ProcessText(ctx, phone, body)
			if err != nil {
				return "", fmt.Errorf("conversation engine: %w", err)
			}
			if res.Outcome != conversation.OutcomeNoMatch {
				return string(res.Outcome), nil
			}
		}
		if p.reply != nil {
			match := p.reply.Process(ctx, body)
			if match != nil {
				if err := p.reply.Enqueue(ctx, phone, match); err != nil {
					return "", fmt.Errorf("reply engine: %w", err)
				}
				return "reply:" + match.Rule.Name, nil
			}
		}
		return "no_action", nil

	case "interactive":
		interactive, _ := message["interactive"].(map[string]interface{})
		selectionID, _ := interactive["selection_id"].(string)
		if p.conversation == nil {
			return "no_action", nil
		}
		res, err := p.conversation.ProcessSelection(ctx, phone, selectionID)
		if err != nil {
			return "", fmt.Errorf("conversation engine: %w", err)
		}
		return string(res.Outcome), nil

	case "image", "document", "audio", "video":
		return "persisted", nil

	case "location":
		return "persisted", nil

	default:
		return "unsupported", nil
	}
}

func (p *Incoming) persistInbound(ctx context.Context, messageID, phone, msgType string, message map[string]interface{}, mediaURL string) *models.StoredMessage {
	if p.db == nil {
		return nil
	}
	msg := &models.StoredMessage{
		MessageID: messageID,
		FromPhone: phone,
		ToPhone:   "business",
		Type:      models.MessageType(msgType),
		Content:   whatsapp.SummarizeOutbound(message),
		MediaURL:  mediaURL,
		Status:    models.MessageStatusPending,
		Direction: models.DirectionIncoming,
		Timestamp: time.Now().UTC(),
	}
	if mediaURL != "" {
		msg.MediaType = msgType
	}
	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		p.log.Error("processor: failed to persist inbound message", "message_id", messageID, "error", err)
		return nil
	}
	return msg
}

// archiveMedia downloads and re-archives inbound media to S3 when both a
// WhatsApp client and a MediaArchiver are configured; returns "" otherwise
// (including on any download/upload failure, which is logged and swallowed
// since archival failure must not block message persistence).
func (p *Incoming) archiveMedia(ctx context.Context, messageID, msgType string, message map[string]interface{}) string {
	if p.waClient == nil || p.archiver == nil {
		return ""
	}
	switch msgType {
	case "image", "document", "audio", "video":
	default:
		return ""
	}

	media, _ := message[msgType].(map[string]interface{})
	mediaID, _ := media["id"].(string)
	mimeType, _ := media["mime_type"].(string)
	if mediaID == "" {
		return ""
	}

	mediaURL, err := p.waClient.GetMediaURL(ctx, mediaID)
	if err != nil {
		p.log.Error("processor: failed to resolve media url", "message_id", messageID, "error", err)
		return ""
	}
	data, err := p.waClient.DownloadMedia(ctx, mediaURL)
	if err != nil {
		p.log.Error("processor: failed to download media", "message_id", messageID, "error", err)
		return ""
	}
	archivedURL, err := p.archiver.Archive(ctx, messageID, mediaID, mimeType, data)
	if err != nil {
		p.log.Error("processor: failed to archive media", "message_id", messageID, "error", err)
		return ""
	}
	return archivedURL
}

func (p *Incoming) updateStoredStatus(ctx context.Context, msg *models.StoredMessage, status models.MessageStatus) {
	if p.db == nil || msg == nil {
		return
	}
	if err := p.db.WithContext(ctx).Model(msg).Update("status", status).Error; err != nil {
		p.log.Error("processor: failed to update stored message status", "message_id", msg.MessageID, "error", err)
	}
}
