// Package ingress implements the Webhook Ingress (§4.3): verification,
// fast-ack parsing, atomic dedup, and handoff to the incoming lane.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/analytics"
	"github.com/nyife/waengine/internal/dedup"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

const defaultDedupTTL = 24 * time.Hour

// WebhookPayload mirrors the WhatsApp Cloud API webhook body (§6).
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one entry in a webhook payload.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one changes[] element; only field=="messages" is handled here.
type Change struct {
	Field string       `json:"field"`
	Value ChangeValue  `json:"value"`
}

// ChangeValue carries the messages/contacts payload of a messages change.
type ChangeValue struct {
	Messages []Message `json:"messages"`
	Contacts []Contact `json:"contacts"`
}

// Message is one inbound WhatsApp message. Only the fields the downstream
// processors actually consume are parsed; everything else in Meta's payload
// is dropped rather than carried through as an opaque blob.
type Message struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	Type        string      `json:"type"`
	Text        *TextBody   `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Image       *MediaBody  `json:"image,omitempty"`
	Video       *MediaBody  `json:"video,omitempty"`
	Audio       *MediaBody  `json:"audio,omitempty"`
	Document    *MediaBody  `json:"document,omitempty"`
}

// TextBody is a text message's body.
type TextBody struct {
	Body string `json:"body"`
}

// Interactive carries a button or list reply selection.
type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

// Reply is the selected option of a button/list interactive message.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MediaBody is the common shape of image/video/audio/document payloads.
type MediaBody struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// selectionID returns the selected button/list reply ID, if any.
func (i *Interactive) selectionID() string {
	if i == nil {
		return ""
	}
	if i.ButtonReply != nil {
		return i.ButtonReply.ID
	}
	if i.ListReply != nil {
		return i.ListReply.ID
	}
	return ""
}

// Contact is the contact profile paired with an inbound message.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Stats is the per-message categorization count returned to the caller.
type Stats struct {
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Config holds the verification token and readiness hook for the Ingress.
type Config struct {
	VerifyToken string
	AppSecret   string // Meta App Secret for HMAC signature verification; empty disables the check
	Ready       func() bool
}

// Ingress implements §4.3.
type Ingress struct {
	cfg       Config
	dedup     *dedup.Store
	substrate queue.Substrate
	analytics *analytics.Publisher
	log       logf.Logger
}

// New constructs an Ingress.
func New(cfg Config, dedupStore *dedup.Store, substrate queue.Substrate, pub *analytics.Publisher, log logf.Logger) *Ingress {
	return &Ingress{cfg: cfg, dedup: dedupStore, substrate: substrate, analytics: pub, log: log}
}

// Verify implements the GET /webhook verification handshake.
func (i *Ingress) Verify(r *fastglue.Request) error {
	mode := string(r.RequestCtx.QueryArgs().Peek("hub.mode"))
	token := string(r.RequestCtx.QueryArgs().Peek("hub.verify_token"))
	challenge := string(r.RequestCtx.QueryArgs().Peek("hub.challenge"))

	if mode == "" || token == "" || challenge == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "missing verification parameters", nil, "")
	}
	if i.cfg.VerifyToken == "" {
		i.log.Error("webhook verify token not configured")
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "verification not configured", nil, "")
	}
	if mode != "subscribe" || token != i.cfg.VerifyToken {
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "verification failed", nil, "")
	}

	r.RequestCtx.SetStatusCode(fasthttp.StatusOK)
	r.RequestCtx.SetBodyString(challenge)
	return nil
}

// verifySignature implements the X-Hub-Signature-256 HMAC-SHA256 check.
func (i *Ingress) verifySignature(body, signatureHeader []byte) bool {
	if i.cfg.AppSecret == "" {
		return true
	}
	sig := strings.TrimPrefix(string(signatureHeader), "sha256=")
	mac := hmac.New(sha256.New, []byte(i.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// Handle implements POST /webhook (§4.3 steps 1-6). Must return in < 5s:
// processing is fully async via the incoming lane, so this handler itself
// does no blocking work beyond the dedup conditional write per message.
func (i *Ingress) Handle(r *fastglue.Request) error {
	start := time.Now()
	webhookID := uuid.NewString()

	if i.cfg.Ready != nil && !i.cfg.Ready() {
		return r.SendErrorEnvelope(fasthttp.StatusServiceUnavailable, "not ready", nil, "")
	}

	body := r.RequestCtx.PostBody()
	signature := r.RequestCtx.Request.Header.Peek("X-Hub-Signature-256")
	if !i.verifySignature(body, signature) {
		i.log.Warn("webhook signature verification failed", "webhook_id", webhookID)
		return r.SendErrorEnvelope(fasthttp.StatusForbidden, "invalid signature", nil, "")
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		i.log.Error("webhook: failed to parse payload", "webhook_id", webhookID, "error", err)
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid payload", nil, "")
	}

	if len(payload.Entry) == 0 {
		return r.SendJSON(map[string]interface{}{"status": "ignored", "webhook_id": webhookID})
	}

	ctx := r.RequestCtx
	stats := Stats{}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			contactsByWaID := make(map[string]Contact, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				contactsByWaID[c.WaID] = c
			}

			for _, msg := range change.Value.Messages {
				if msg.ID == "" {
					stats.Errors++
					continue
				}

				result, err := i.dedup.CreateIfAbsent(ctx, msg.ID, defaultDedupTTL)
				if err != nil {
					i.log.Error("webhook: dedup create_if_absent failed", "webhook_id", webhookID, "message_id", msg.ID, "error", err)
					stats.Errors++
					continue
				}
				if !result.IsNew {
					stats.Duplicates++
					continue
				}

				contact := contactsByWaID[msg.From]
				messageFields := map[string]interface{}{
					"id":   msg.ID,
					"from": msg.From,
					"type": msg.Type,
				}
				if msg.Text != nil {
					messageFields["text"] = map[string]interface{}{"body": msg.Text.Body}
				}
				if msg.Interactive != nil {
					messageFields["interactive"] = map[string]interface{}{
						"type":        msg.Interactive.Type,
						"selection_id": msg.Interactive.selectionID(),
					}
				}
				for mediaType, media := range map[string]*MediaBody{
					"image": msg.Image, "video": msg.Video, "audio": msg.Audio, "document": msg.Document,
				} {
					if media != nil {
						messageFields[mediaType] = map[string]interface{}{
							"id": media.ID, "caption": media.Caption, "mime_type": media.MimeType,
						}
					}
				}

				envelopePayload := map[string]interface{}{
					"webhook_data": map[string]interface{}{
						"message": messageFields,
						"contact": map[string]interface{}{
							"wa_id": contact.WaID,
							"name":  contact.Profile.Name,
						},
					},
					"metadata": map[string]interface{}{
						"webhook_id":    webhookID,
						"entry_id":      entry.ID,
						"processing_id": result.ProcessingID,
						"message_id":    msg.ID,
						"phone":         msg.From,
						"type":          msg.Type,
						"received_at":   time.Now().UTC(),
						"ttl_hours":     24,
					},
				}

				if _, err := i.substrate.Send(ctx, models.QueueTypeIncoming, envelopePayload, queue.SendOpts{
					Attributes: map[string]string{"ProcessingId": result.ProcessingID},
				}); err != nil {
					i.log.Error("webhook: failed to enqueue incoming envelope", "webhook_id", webhookID, "message_id", msg.ID, "error", err)
					stats.Errors++
					continue
				}

				stats.New++
				if i.analytics != nil {
					i.analytics.Emit(ctx, "incoming_message_queued", map[string]interface{}{
						"message_id": msg.ID,
						"phone":      msg.From,
						"type":       msg.Type,
					}, nil)
				}
			}
		}
	}

	return r.SendJSON(map[string]interface{}{
		"status":             "processed",
		"webhook_id":         webhookID,
		"processing_time_ms": time.Since(start).Milliseconds(),
		"stats": map[string]int{
			"new":        stats.New,
			"duplicates": stats.Duplicates,
			"errors":     stats.Errors,
		},
		"results": []interface{}{},
	})
}
