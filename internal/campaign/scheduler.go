// Package campaign implements the Campaign Scheduler (§4.8): bounded daily
// sends across many recipients with duplicate suppression and subscription
// opt-out, grounded on the teacher's BulkMessageCampaign/BulkMessageRecipient
// models (internal/models/bulk.go) and its Redis pub/sub stats broadcast
// (internal/queue/pubsub.go).
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/nyife/waengine/internal/analytics"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

// ErrNoRecipients is returned by Activate when the campaign has no pending
// recipients to schedule.
var ErrNoRecipients = errors.New("campaign: cannot activate a campaign with no recipients")

// Scheduler is the Campaign Scheduler of §4.8.
type Scheduler struct {
	db        *gorm.DB
	substrate queue.Substrate
	publisher *queue.Publisher
	analytics *analytics.Publisher
	log       logf.Logger
}

// New constructs a Scheduler.
func New(db *gorm.DB, substrate queue.Substrate, publisher *queue.Publisher, pub *analytics.Publisher, log logf.Logger) *Scheduler {
	return &Scheduler{db: db, substrate: substrate, publisher: publisher, analytics: pub, log: log}
}

// AddRecipients filters out phones already present for campaignID (the
// (campaign, phone) pair is unique) and inserts the rest as pending
// recipients, bumping total_target and pending_count by the count inserted.
func (s *Scheduler) AddRecipients(ctx context.Context, campaignID uuid.UUID, phones []string) (int, error) {
	if len(phones) == 0 {
		return 0, nil
	}

	var inserted int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Model(&models.CampaignRecipient{}).
			Where("campaign_id = ? AND phone IN ?", campaignID, phones).
			Pluck("phone", &existing).Error; err != nil {
			return fmt.Errorf("load existing recipients: %w", err)
		}
		seen := make(map[string]bool, len(existing))
		for _, p := range existing {
			seen[p] = true
		}

		rows := make([]models.CampaignRecipient, 0, len(phones))
		addedPhones := make(map[string]bool, len(phones))
		for _, phone := range phones {
			if seen[phone] || addedPhones[phone] {
				continue
			}
			addedPhones[phone] = true
			rows = append(rows, models.CampaignRecipient{
				CampaignID: campaignID,
				Phone:      phone,
				Status:     models.RecipientStatusPending,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert recipients: %w", err)
		}
		inserted = len(rows)

		return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).
			Updates(map[string]interface{}{
				"total_target":  gorm.Expr("total_target + ?", inserted),
				"pending_count": gorm.Expr("pending_count + ?", inserted),
			}).Error
	})
	return inserted, err
}

// Activate partitions pending recipients into contiguous chunks of
// daily_limit, assigns each chunk a scheduled_send_date starting at
// startDate, creates one DailySchedule per chunk, and transitions the
// campaign to active.
func (s *Scheduler) Activate(ctx context.Context, campaignID uuid.UUID, startDate time.Time) error {
	startDate = startDate.Truncate(24 * time.Hour)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var campaign models.Campaign
		if err := tx.First(&campaign, "id = ?", campaignID).Error; err != nil {
			return fmt.Errorf("load campaign: %w", err)
		}
		if campaign.Status == models.CampaignStatusActive {
			return nil
		}
		if campaign.TotalTarget <= 0 {
			return ErrNoRecipients
		}

		var pendingIDs []uuid.UUID
		if err := tx.Model(&models.CampaignRecipient{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.RecipientStatusPending).
			Order("created_at").
			Pluck("id", &pendingIDs).Error; err != nil {
			return fmt.Errorf("load pending recipients: %w", err)
		}
		if len(pendingIDs) == 0 {
			return ErrNoRecipients
		}

		chunks := chunkIDs(pendingIDs, campaign.DailyLimit)
		for i, chunk := range chunks {
			sendDate := startDate.AddDate(0, 0, i)
			if err := tx.Model(&models.CampaignRecipient{}).
				Where("id IN ?", chunk).
				Update("scheduled_send_date", sendDate).Error; err != nil {
				return fmt.Errorf("assign send date: %w", err)
			}
			schedule := models.DailySchedule{
				CampaignID:        campaignID,
				SendDate:          sendDate,
				BatchSize:         len(chunk),
				MessagesRemaining: len(chunk),
				Status:            models.ScheduleStatusPending,
			}
			if err := tx.Create(&schedule).Error; err != nil {
				return fmt.Errorf("create daily schedule: %w", err)
			}
		}

		numChunks := len(chunks)
		scheduledEnd := startDate.AddDate(0, 0, numChunks-1)
		return tx.Model(&models.Campaign{}).Where("id = ?", campaignID).
			Updates(map[string]interface{}{
				"status":          models.CampaignStatusActive,
				"scheduled_start": startDate,
				"scheduled_end":   scheduledEnd,
			}).Error
	})
}

func chunkIDs(ids []uuid.UUID, size int) [][]uuid.UUID {
	if size <= 0 {
		size = 1
	}
	var chunks [][]uuid.UUID
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// ProcessDaily runs one invocation of the daily cron (§4.8 "Daily
// processing"): every DailySchedule due today is driven to completion.
func (s *Scheduler) ProcessDaily(ctx context.Context, today time.Time) error {
	today = today.Truncate(24 * time.Hour)

	var schedules []models.DailySchedule
	if err := s.db.WithContext(ctx).
		Where("send_date = ? AND status IN ?", today, []models.ScheduleStatus{models.ScheduleStatusPending, models.ScheduleStatusProcessing}).
		Find(&schedules).Error; err != nil {
		return fmt.Errorf("campaign: load due schedules: %w", err)
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule); err != nil {
			s.log.Error("campaign: failed to process daily schedule", "schedule_id", schedule.ID, "campaign_id", schedule.CampaignID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) processSchedule(ctx context.Context, schedule models.DailySchedule) error {
	if err := s.db.WithContext(ctx).Model(&models.DailySchedule{}).
		Where("id = ?", schedule.ID).
		Update("status", models.ScheduleStatusProcessing).Error; err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", schedule.CampaignID).Error; err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}

	var recipients []models.CampaignRecipient
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND scheduled_send_date = ? AND status = ?", schedule.CampaignID, schedule.SendDate, models.RecipientStatusPending).
		Order("created_at").
		Limit(schedule.BatchSize).
		Find(&recipients).Error; err != nil {
		return fmt.Errorf("load pending recipients: %w", err)
	}

	remaining := schedule.BatchSize - len(recipients)
	if remaining > 0 {
		var retryable []models.CampaignRecipient
		if err := s.db.WithContext(ctx).
			Where("campaign_id = ? AND status = ? AND retry_count < 3", schedule.CampaignID, models.RecipientStatusFailed).
			Order("created_at").
			Limit(remaining).
			Find(&retryable).Error; err != nil {
			return fmt.Errorf("load retryable recipients: %w", err)
		}
		if len(retryable) > 0 {
			ids := make([]uuid.UUID, len(retryable))
			for i, r := range retryable {
				ids[i] = r.ID
			}
			if err := s.db.WithContext(ctx).Model(&models.CampaignRecipient{}).
				Where("id IN ?", ids).
				Update("status", models.RecipientStatusPending).Error; err != nil {
				return fmt.Errorf("reset retryable recipients: %w", err)
			}
			recipients = append(recipients, retryable...)
		}
	}

	var sentCount int
	for _, recipient := range recipients {
		if err := s.sendToRecipient(ctx, campaign, recipient); err != nil {
			s.log.Warn("campaign: recipient send failed", "recipient_id", recipient.ID, "error", err)
			continue
		}
		sentCount++
	}

	if err := s.db.WithContext(ctx).Model(&models.DailySchedule{}).
		Where("id = ?", schedule.ID).
		Updates(map[string]interface{}{
			"status":             models.ScheduleStatusCompleted,
			"messages_sent":      sentCount,
			"messages_remaining": len(recipients) - sentCount,
		}).Error; err != nil {
		return fmt.Errorf("mark schedule completed: %w", err)
	}

	if s.analytics != nil {
		s.analytics.Emit(ctx, "campaign_daily_processed", map[string]interface{}{
			"campaign_id": schedule.CampaignID,
			"send_date":   schedule.SendDate,
			"sent":        sentCount,
			"attempted":   len(recipients),
		}, nil)
	}

	return s.refreshCampaignCompletion(ctx, schedule.CampaignID)
}

// sendToRecipient implements §4.8 step 3: subscription check, enqueue,
// status transition, counter adjustment. The status transition and its
// counter adjustment share one transaction (transitionRecipient) so the
// counters named in §3 stay consistent; the subscription lookup, the
// enqueue and the retry_count bump on enqueue failure run outside it.
func (s *Scheduler) sendToRecipient(ctx context.Context, campaign models.Campaign, recipient models.CampaignRecipient) error {
	var user models.User
	err := s.db.WithContext(ctx).Where("phone = ?", recipient.Phone).First(&user).Error
	if err == nil && user.Subscription == models.SubscriptionUnsubscribed {
		return s.transitionRecipient(ctx, recipient, models.RecipientStatusSkipped, "unsubscribed")
	}

	payload := map[string]interface{}{
		"phone": recipient.Phone,
		"message_data": map[string]interface{}{
			"type": "template",
			"template": map[string]interface{}{
				"name":       campaign.TemplateName,
				"language":   campaign.Language,
				"components": campaign.TemplateComponents,
			},
		},
		"metadata": map[string]interface{}{
			"source":       "marketing_campaign",
			"campaign_id":  campaign.ID.String(),
			"recipient_id": recipient.ID.String(),
		},
	}

	if _, err := s.substrate.Send(ctx, models.QueueTypeOutgoing, payload, queue.SendOpts{}); err != nil {
		_ = s.db.WithContext(ctx).Model(&models.CampaignRecipient{}).Where("id = ?", recipient.ID).
			Update("retry_count", gorm.Expr("retry_count + 1")).Error
		return s.transitionRecipient(ctx, recipient, models.RecipientStatusFailed, err.Error())
	}

	return s.transitionRecipient(ctx, recipient, models.RecipientStatusQueued, "")
}

// transitionRecipient moves a recipient to newStatus and adjusts the parent
// campaign's counters atomically, crediting every counter between the
// recipient's prior terminal state and newStatus (e.g. pending -> delivered
// increments both sent and delivered), per §4.8's counter invariant note.
func (s *Scheduler) transitionRecipient(ctx context.Context, recipient models.CampaignRecipient, newStatus models.RecipientStatus, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"status": newStatus}
		if reason != "" {
			updates["failure_reason"] = reason
		}
		now := time.Now()
		switch newStatus {
		case models.RecipientStatusSent:
			updates["sent_at"] = now
		case models.RecipientStatusDelivered:
			updates["delivered_at"] = now
		case models.RecipientStatusRead:
			updates["read_at"] = now
		}
		if err := tx.Model(&models.CampaignRecipient{}).Where("id = ?", recipient.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update recipient status: %w", err)
		}

		deltas := counterDeltas(recipient.Status, newStatus)
		if len(deltas) == 0 {
			return nil
		}
		exprs := make(map[string]interface{}, len(deltas))
		for column, delta := range deltas {
			if delta == 0 {
				continue
			}
			exprs[column] = gorm.Expr(column+" + ?", delta)
		}
		if len(exprs) == 0 {
			return nil
		}
		return tx.Model(&models.Campaign{}).Where("id = ?", recipient.CampaignID).Updates(exprs).Error
	})
}

// counterDeltas returns the Campaign column deltas to apply when a
// recipient moves from `from` to `to`. pending_count always decrements by
// one on the first transition out of pending; every status on the lattice
// sent < delivered < read above `from` and up to and including `to` is
// credited, so pending -> delivered credits both sent_count and
// delivered_count while sent -> delivered credits delivered_count only.
func counterDeltas(from, to models.RecipientStatus) map[string]int {
	deltas := map[string]int{}
	if from == models.RecipientStatusPending {
		deltas["pending_count"] = -1
	}
	rank := map[models.RecipientStatus]int{
		models.RecipientStatusSent:      1,
		models.RecipientStatusDelivered: 2,
		models.RecipientStatusRead:      3,
	}
	targetRank, ok := rank[to]
	if ok {
		fromRank := rank[from]
		for status, r := range rank {
			if r > fromRank && r <= targetRank {
				deltas[counterColumn(status)]++
			}
		}
		return deltas
	}
	switch to {
	case models.RecipientStatusFailed:
		deltas["failed_count"] = 1
	case models.RecipientStatusSkipped:
		deltas["skipped_count"] = 1
	}
	return deltas
}

func counterColumn(status models.RecipientStatus) string {
	switch status {
	case models.RecipientStatusSent:
		return "sent_count"
	case models.RecipientStatusDelivered:
		return "delivered_count"
	case models.RecipientStatusRead:
		return "read_count"
	default:
		return ""
	}
}

// refreshCampaignCompletion transitions the campaign to completed once its
// pending_count has drained to zero.
func (s *Scheduler) refreshCampaignCompletion(ctx context.Context, campaignID uuid.UUID) error {
	var campaign models.Campaign
	if err := s.db.WithContext(ctx).First(&campaign, "id = ?", campaignID).Error; err != nil {
		return fmt.Errorf("reload campaign: %w", err)
	}
	if campaign.PendingCount > 0 || campaign.Status == models.CampaignStatusCompleted {
		return s.broadcastStats(ctx, campaign)
	}
	if err := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", campaignID).
		Update("status", models.CampaignStatusCompleted).Error; err != nil {
		return fmt.Errorf("mark campaign completed: %w", err)
	}
	campaign.Status = models.CampaignStatusCompleted
	return s.broadcastStats(ctx, campaign)
}

func (s *Scheduler) broadcastStats(ctx context.Context, campaign models.Campaign) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishCampaignStats(ctx, &queue.CampaignStatsUpdate{
		CampaignID:     campaign.ID.String(),
		Status:         campaign.Status,
		SentCount:      campaign.SentCount,
		DeliveredCount: campaign.DeliveredCount,
		ReadCount:      campaign.ReadCount,
		FailedCount:    campaign.FailedCount,
		PendingCount:   campaign.PendingCount,
		SkippedCount:   campaign.SkippedCount,
	})
}

// CheckDuplicateSend reports whether phone already has a recipient row for
// campaignID in {sent, delivered, read}, for out-of-band insertion paths
// that bypass AddRecipients' uniqueness filter (§4.8).
func (s *Scheduler) CheckDuplicateSend(ctx context.Context, campaignID uuid.UUID, phone string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND phone = ? AND status IN ?", campaignID, phone,
			[]models.RecipientStatus{models.RecipientStatusSent, models.RecipientStatusDelivered, models.RecipientStatusRead}).
		Count(&count).Error
	return count > 0, err
}

// MarkRecipientSent transitions recipientID to sent, recording the real
// WhatsApp message ID once the Outgoing Processor has actually delivered
// it to Meta (the queued -> sent transition of §4.8), and refreshes
// campaign completion/stats accordingly. Called by the Outgoing Processor
// rather than duplicating its counter-credit logic.
func (s *Scheduler) MarkRecipientSent(ctx context.Context, recipientID uuid.UUID, waMessageID string) error {
	var recipient models.CampaignRecipient
	if err := s.db.WithContext(ctx).First(&recipient, "id = ?", recipientID).Error; err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.CampaignRecipient{}).Where("id = ?", recipientID).
		Update("whatsapp_message_id", waMessageID).Error; err != nil {
		return fmt.Errorf("record whatsapp_message_id: %w", err)
	}
	if err := s.transitionRecipient(ctx, recipient, models.RecipientStatusSent, ""); err != nil {
		return fmt.Errorf("transition recipient to sent: %w", err)
	}
	return s.refreshCampaignCompletion(ctx, recipient.CampaignID)
}
