package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns holding an arbitrary object.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// StringArray is a custom type for PostgreSQL text[]-shaped JSONB columns.
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

// BaseModel contains the fields common to every durable entity.
type BaseModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// User is a WhatsApp end-user known to the system (§3 User).
type User struct {
	BaseModel
	Phone          string            `gorm:"size:50;uniqueIndex;not null" json:"phone"`
	DisplayName    string            `gorm:"size:255" json:"display_name"`
	Tier           string            `gorm:"size:50;default:'standard'" json:"tier"`
	Tags           StringArray       `gorm:"type:jsonb;default:'[]'" json:"tags"`
	Subscription   SubscriptionState `gorm:"size:20;default:'subscribed'" json:"subscription"`
	TotalMessages  int               `gorm:"default:0" json:"total_messages"`
	LastInteraction *time.Time       `json:"last_interaction,omitempty"`
	IsActive       bool              `gorm:"default:true" json:"is_active"`
}

func (User) TableName() string { return "users" }

// StoredMessage is a durable record of an inbound or outbound WhatsApp
// message (§3 StoredMessage).
type StoredMessage struct {
	BaseModel
	MessageID       string        `gorm:"column:message_id;size:255;uniqueIndex;not null" json:"message_id"`
	FromPhone       string        `gorm:"size:50;index;not null" json:"from_phone"`
	ToPhone         string        `gorm:"size:50;not null" json:"to_phone"`
	Type            MessageType   `gorm:"size:20;not null" json:"type"`
	Content         string        `gorm:"type:text" json:"content"`
	MediaURL        string        `gorm:"type:text" json:"media_url,omitempty"`
	MediaType       string        `gorm:"size:100" json:"media_type,omitempty"`
	Status          MessageStatus `gorm:"size:20;default:'pending';index" json:"status"`
	Direction       Direction     `gorm:"size:10;not null;index" json:"direction"`
	Timestamp       time.Time     `gorm:"index" json:"timestamp"`
	ContextID       *uuid.UUID    `gorm:"type:uuid" json:"context_id,omitempty"`
	WhatsAppMessageID string      `gorm:"column:whatsapp_message_id;size:255;index" json:"whatsapp_message_id,omitempty"`
}

func (StoredMessage) TableName() string { return "stored_messages" }

// ConversationState is the per-phone Conversation Engine state (§3,§4.7).
// Only one active state per phone is ever present.
type ConversationState struct {
	BaseModel
	Phone          string    `gorm:"size:50;uniqueIndex;not null" json:"phone"`
	TemplateName   string    `gorm:"size:255;not null" json:"template_name"`
	CurrentStep    string    `gorm:"size:100;not null" json:"current_step"`
	Context        JSONB     `gorm:"type:jsonb;default:'{}'" json:"context"`
	LastInteraction time.Time `json:"last_interaction"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

func (ConversationState) TableName() string { return "conversation_states" }

// WorkflowTemplate is a declarative menu/conversation document (§3,§4.7).
// MenuStructure carries the nested step graph verbatim and is validated at
// load time by internal/conversation.ValidateTemplate.
type WorkflowTemplate struct {
	BaseModel
	Name            string      `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Type            TemplateKind `gorm:"size:20;not null" json:"type"`
	TriggerKeywords StringArray `gorm:"type:jsonb;default:'[]'" json:"trigger_keywords"`
	MenuStructure   JSONB       `gorm:"type:jsonb;not null" json:"menu_structure"`
	IsActive        bool        `gorm:"default:true" json:"is_active"`
}

func (WorkflowTemplate) TableName() string { return "workflow_templates" }

// Campaign is a rate-limited marketing broadcast (§3,§4.8). Counters satisfy
// sent>=delivered>=read and total=sent+failed+pending+skipped at rest.
type Campaign struct {
	BaseModel
	Name               string         `gorm:"size:255;not null" json:"name"`
	TemplateName       string         `gorm:"size:255;not null" json:"template_name"`
	Language           string         `gorm:"size:10;default:'en_US'" json:"language"`
	TemplateComponents JSONB          `gorm:"type:jsonb;default:'{}'" json:"template_components"`
	TargetAudience     string         `gorm:"size:255" json:"target_audience"`
	DailyLimit         int            `gorm:"not null" json:"daily_limit"`
	Priority           int            `gorm:"default:0" json:"priority"`
	Status             CampaignStatus `gorm:"size:20;default:'draft';index" json:"status"`
	TotalTarget        int            `gorm:"default:0" json:"total_target"`
	SentCount          int            `gorm:"default:0" json:"sent_count"`
	DeliveredCount     int            `gorm:"default:0" json:"delivered_count"`
	ReadCount          int            `gorm:"default:0" json:"read_count"`
	FailedCount        int            `gorm:"default:0" json:"failed_count"`
	PendingCount       int            `gorm:"default:0" json:"pending_count"`
	SkippedCount       int            `gorm:"default:0" json:"skipped_count"`
	ScheduledStart     *time.Time     `json:"scheduled_start,omitempty"`
	ScheduledEnd       *time.Time     `json:"scheduled_end,omitempty"`
}

func (Campaign) TableName() string { return "campaigns" }

// CampaignRecipient is one recipient row within a Campaign (§3,§4.8).
// (campaign_id, phone) is unique.
type CampaignRecipient struct {
	BaseModel
	CampaignID        uuid.UUID       `gorm:"type:uuid;uniqueIndex:idx_campaign_phone;not null" json:"campaign_id"`
	Phone             string          `gorm:"size:50;uniqueIndex:idx_campaign_phone;not null" json:"phone"`
	Status            RecipientStatus `gorm:"size:20;default:'pending';index" json:"status"`
	ScheduledSendDate *time.Time      `gorm:"index" json:"scheduled_send_date,omitempty"`
	WhatsAppMessageID string          `gorm:"column:whatsapp_message_id;size:255;index" json:"whatsapp_message_id,omitempty"`
	RetryCount        int             `gorm:"default:0" json:"retry_count"`
	FailureReason     string          `gorm:"type:text" json:"failure_reason,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	ReadAt            *time.Time      `json:"read_at,omitempty"`

	Campaign *Campaign `gorm:"foreignKey:CampaignID" json:"campaign,omitempty"`
}

func (CampaignRecipient) TableName() string { return "campaign_recipients" }

// DailySchedule is a per-campaign per-day send batch (§3,§4.8).
type DailySchedule struct {
	BaseModel
	CampaignID        uuid.UUID      `gorm:"type:uuid;uniqueIndex:idx_campaign_send_date;index;not null" json:"campaign_id"`
	SendDate          time.Time      `gorm:"uniqueIndex:idx_campaign_send_date;index;not null" json:"send_date"`
	BatchSize         int            `gorm:"not null" json:"batch_size"`
	MessagesRemaining int            `gorm:"not null" json:"messages_remaining"`
	MessagesSent      int            `gorm:"default:0" json:"messages_sent"`
	Status            ScheduleStatus `gorm:"size:20;default:'pending';index" json:"status"`

	Campaign *Campaign `gorm:"foreignKey:CampaignID" json:"campaign,omitempty"`
}

func (DailySchedule) TableName() string { return "daily_schedules" }

// AgentSession is a human hand-off session opened when a conversation hits
// the talk_to_expert sentinel (§4.7).
type AgentSession struct {
	BaseModel
	Phone     string             `gorm:"size:50;index;not null" json:"phone"`
	Status    AgentSessionStatus `gorm:"size:20;default:'waiting';index" json:"status"`
	AgentID   *uuid.UUID         `gorm:"type:uuid" json:"agent_id,omitempty"`
	ExpiresAt time.Time          `gorm:"index" json:"expires_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

func (AgentSession) TableName() string { return "agent_sessions" }

// AgentMessage stores the transcript exchanged during an AgentSession.
type AgentMessage struct {
	BaseModel
	SessionID uuid.UUID `gorm:"type:uuid;index;not null" json:"session_id"`
	Direction Direction `gorm:"size:10;not null" json:"direction"`
	Content   string    `gorm:"type:text" json:"content"`

	Session *AgentSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}

func (AgentMessage) TableName() string { return "agent_messages" }

// DailyBusinessMetric is an aggregated per-day analytics row. Nothing in this
// module writes it: internal/analytics only publishes events to the
// analytics lane, and no consumer of that lane fills this table.
type DailyBusinessMetric struct {
	BaseModel
	Date              time.Time `gorm:"uniqueIndex;not null" json:"date"`
	IncomingCount     int       `gorm:"default:0" json:"incoming_count"`
	OutgoingCount     int       `gorm:"default:0" json:"outgoing_count"`
	AutomatedReplies  int       `gorm:"default:0" json:"automated_replies"`
	CampaignsSent     int       `gorm:"default:0" json:"campaigns_sent"`
	Metadata          JSONB     `gorm:"type:jsonb;default:'{}'" json:"metadata"`
}

func (DailyBusinessMetric) TableName() string { return "daily_business_metrics" }
