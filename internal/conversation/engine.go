package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

// stateTTL is the lifetime of a freshly started conversation state (§4.7).
const stateTTL = 24 * time.Hour

// agentSessionTTL is the lifetime of an agent hand-off session (§4.7).
const agentSessionTTL = 22 * time.Hour

var backCommands = map[string]bool{"menu": true, "main menu": true, "back": true}

// Outcome names the result of handling one input, mirroring the return
// values spelled out in §4.7.
type Outcome string

const (
	OutcomeStarted          Outcome = "started"
	OutcomeAdvanced         Outcome = "advanced"
	OutcomeEnded            Outcome = "ended"
	OutcomeCompleted        Outcome = "completed"
	OutcomeNoMatch          Outcome = "no_match"
	OutcomeNoConversation   Outcome = "no_conversation"
	OutcomeInvalidSelection Outcome = "invalid_selection"
	OutcomeValidationError  Outcome = "validation_error"
	OutcomeAwaitingSelection Outcome = "awaiting_selection"
	OutcomeHandedOff        Outcome = "handed_off"
)

// Result is returned from ProcessText/ProcessSelection.
type Result struct {
	Outcome  Outcome
	Template string
}

// Catalog is the precompiled, validated set of active templates (§9:
// "validate all referenced step ids exist ... at configuration load").
type Catalog struct {
	ordered []Template
	byName  map[string]Template
}

func newCatalog(templates []Template) *Catalog {
	byName := make(map[string]Template, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	return &Catalog{ordered: templates, byName: byName}
}

func (c *Catalog) find(name string) (Template, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// matchTrigger returns the first template (in load order) whose
// trigger_keywords contains a case-insensitive substring of text.
func (c *Catalog) matchTrigger(text string) (Template, bool) {
	lower := strings.ToLower(text)
	for _, t := range c.ordered {
		for _, kw := range t.TriggerKeywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return t, true
			}
		}
	}
	return Template{}, false
}

// Engine is the Conversation Engine of §4.7.
type Engine struct {
	db        *gorm.DB
	substrate queue.Substrate
	log       logf.Logger
	catalog   atomic.Pointer[Catalog]
}

// New constructs an Engine. Call ReloadCatalog before serving traffic.
func New(db *gorm.DB, substrate queue.Substrate, log logf.Logger) *Engine {
	e := &Engine{db: db, substrate: substrate, log: log}
	e.catalog.Store(newCatalog(nil))
	return e
}

// ReloadCatalog loads every active WorkflowTemplate, parses and validates
// it, and atomically swaps in the new catalog. A template that fails
// validation is logged and skipped rather than aborting the reload,
// matching the Reply Engine's tolerance for a single bad rule.
func (e *Engine) ReloadCatalog(ctx context.Context) error {
	var rows []models.WorkflowTemplate
	if err := e.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at").Find(&rows).Error; err != nil {
		return fmt.Errorf("conversation: load templates: %w", err)
	}

	names := make(map[string]bool, len(rows))
	for _, r := range rows {
		names[r.Name] = true
	}

	parsed := make([]Template, 0, len(rows))
	for _, r := range rows {
		tmpl, err := ParseTemplate(r)
		if err != nil {
			e.log.Warn("conversation: dropping template, parse failed", "template", r.Name, "error", err)
			continue
		}
		if err := ValidateTemplate(tmpl, names); err != nil {
			e.log.Warn("conversation: dropping template, validation failed", "template", r.Name, "error", err)
			continue
		}
		parsed = append(parsed, tmpl)
	}

	e.catalog.Store(newCatalog(parsed))
	return nil
}

func (e *Engine) loadState(ctx context.Context, phone string) (*models.ConversationState, error) {
	var state models.ConversationState
	err := e.db.WithContext(ctx).Where("phone = ?", phone).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(state.ExpiresAt) {
		e.db.WithContext(ctx).Delete(&state)
		return nil, nil
	}
	return &state, nil
}

func (e *Engine) endState(ctx context.Context, phone string) error {
	return e.db.WithContext(ctx).Where("phone = ?", phone).Delete(&models.ConversationState{}).Error
}

func (e *Engine) startTemplate(ctx context.Context, phone string, tmpl Template) (Result, error) {
	if err := e.endState(ctx, phone); err != nil {
		return Result{}, fmt.Errorf("conversation: end existing state: %w", err)
	}

	now := time.Now()
	state := models.ConversationState{
		Phone:           phone,
		TemplateName:    tmpl.Name,
		CurrentStep:     "initial",
		Context:         models.JSONB{},
		LastInteraction: now,
		ExpiresAt:       now.Add(stateTTL),
	}
	if err := e.db.WithContext(ctx).Create(&state).Error; err != nil {
		return Result{}, fmt.Errorf("conversation: create state: %w", err)
	}

	if err := e.sendStep(ctx, phone, tmpl, tmpl.Steps["initial"], map[string]interface{}{}); err != nil {
		e.log.Warn("conversation: failed to send initial menu", "phone", phone, "template", tmpl.Name, "error", err)
	}
	return Result{Outcome: OutcomeStarted, Template: tmpl.Name}, nil
}

// ProcessText implements §4.7's text-input algorithm.
func (e *Engine) ProcessText(ctx context.Context, phone, text string) (Result, error) {
	catalog := e.catalog.Load()

	if tmpl, ok := catalog.matchTrigger(text); ok {
		return e.startTemplate(ctx, phone, tmpl)
	}

	state, err := e.loadState(ctx, phone)
	if err != nil {
		return Result{}, fmt.Errorf("conversation: load state: %w", err)
	}
	if state == nil {
		return Result{Outcome: OutcomeNoMatch}, nil
	}

	tmpl, ok := catalog.find(state.TemplateName)
	if !ok {
		// Template was retired mid-conversation; drop the orphaned state.
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoMatch}, nil
	}
	step, ok := tmpl.Steps[state.CurrentStep]
	if !ok {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoMatch}, nil
	}

	normalized := strings.ToLower(strings.TrimSpace(text))
	if backCommands[normalized] {
		_ = e.endState(ctx, phone)
		return e.ProcessText(ctx, phone, "hi")
	}

	if step.ExpectsSelection() {
		_ = e.sendText(ctx, phone, "Please use the buttons below to continue.")
		return Result{Outcome: OutcomeAwaitingSelection, Template: tmpl.Name}, nil
	}

	if step.Validation == models.StepValidationNumber {
		n, parseErr := strconv.Atoi(strings.TrimSpace(text))
		if parseErr != nil || n <= 0 {
			_ = e.sendText(ctx, phone, "Please enter a valid positive number.")
			return Result{Outcome: OutcomeValidationError, Template: tmpl.Name}, nil
		}
	}

	contextKey := step.ContextKey
	if contextKey == "" {
		contextKey = "user_input"
	}
	newContext := mergeContext(state.Context, map[string]interface{}{contextKey: text})

	if step.NextStep == "" {
		_ = e.sendText(ctx, phone, "Thank you! This conversation has ended.")
		if err := e.endState(ctx, phone); err != nil {
			return Result{}, fmt.Errorf("conversation: end state: %w", err)
		}
		return Result{Outcome: OutcomeCompleted, Template: tmpl.Name}, nil
	}

	nextStep, ok := tmpl.Steps[step.NextStep]
	if !ok {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoMatch}, nil
	}

	if err := e.advance(ctx, phone, step.NextStep, newContext); err != nil {
		return Result{}, err
	}
	if err := e.sendStep(ctx, phone, tmpl, nextStep, newContext); err != nil {
		e.log.Warn("conversation: failed to send step prompt", "phone", phone, "error", err)
	}
	if nextStep.EndConversation {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeEnded, Template: tmpl.Name}, nil
	}
	return Result{Outcome: OutcomeAdvanced, Template: tmpl.Name}, nil
}

// ProcessSelection implements §4.7's interactive-reply algorithm.
func (e *Engine) ProcessSelection(ctx context.Context, phone, selectionID string) (Result, error) {
	state, err := e.loadState(ctx, phone)
	if err != nil {
		return Result{}, fmt.Errorf("conversation: load state: %w", err)
	}
	if state == nil {
		return Result{Outcome: OutcomeNoConversation}, nil
	}

	catalog := e.catalog.Load()
	tmpl, ok := catalog.find(state.TemplateName)
	if !ok {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoConversation}, nil
	}
	step, ok := tmpl.Steps[state.CurrentStep]
	if !ok {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoConversation}, nil
	}

	target, ok := step.NextSteps[selectionID]
	if !ok {
		return Result{Outcome: OutcomeInvalidSelection, Template: tmpl.Name}, nil
	}

	if target == models.TalkToExpertSentinel {
		if err := e.handOffToAgent(ctx, phone); err != nil {
			return Result{}, err
		}
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeHandedOff, Template: tmpl.Name}, nil
	}

	if _, isStep := tmpl.Steps[target]; !isStep {
		if targetTmpl, isTemplate := catalog.find(target); isTemplate {
			return e.startTemplate(ctx, phone, targetTmpl)
		}
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeNoMatch}, nil
	}

	newContext := mergeContext(state.Context, map[string]interface{}{"selection": selectionID})
	nextStep := tmpl.Steps[target]
	if err := e.advance(ctx, phone, target, newContext); err != nil {
		return Result{}, err
	}
	if err := e.sendStep(ctx, phone, tmpl, nextStep, newContext); err != nil {
		e.log.Warn("conversation: failed to send step prompt", "phone", phone, "error", err)
	}
	if nextStep.EndConversation {
		_ = e.endState(ctx, phone)
		return Result{Outcome: OutcomeEnded, Template: tmpl.Name}, nil
	}
	return Result{Outcome: OutcomeAdvanced, Template: tmpl.Name}, nil
}

func (e *Engine) advance(ctx context.Context, phone, stepID string, newContext models.JSONB) error {
	return e.db.WithContext(ctx).Model(&models.ConversationState{}).
		Where("phone = ?", phone).
		Updates(map[string]interface{}{
			"current_step":     stepID,
			"context":          newContext,
			"last_interaction": time.Now(),
		}).Error
}

func (e *Engine) handOffToAgent(ctx context.Context, phone string) error {
	now := time.Now()
	session := models.AgentSession{
		Phone:     phone,
		Status:    models.AgentSessionWaiting,
		ExpiresAt: now.Add(agentSessionTTL),
	}
	if err := e.db.WithContext(ctx).Create(&session).Error; err != nil {
		return fmt.Errorf("conversation: create agent session: %w", err)
	}
	return e.sendText(ctx, phone, "You're being connected to a human agent. Someone will be with you shortly.")
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

func substitutePlaceholders(text string, context map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := context[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

func mergeContext(existing models.JSONB, additions map[string]interface{}) models.JSONB {
	merged := make(models.JSONB, len(existing)+len(additions))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range additions {
		merged[k] = v
	}
	return merged
}

// sendStep renders a step's prompt. A step that expects a button/list
// selection (step.ExpectsSelection()) on a non-text template renders as the
// template's interactive action (§3 WorkflowTemplate.type ∈
// {button, list, text}); everything else is a plain text prompt.
func (e *Engine) sendStep(ctx context.Context, phone string, tmpl Template, step Step, context map[string]interface{}) error {
	prompt := step.Prompt
	if prompt == "" {
		prompt = tmpl.Body
	}
	text := substitutePlaceholders(prompt, context)

	if tmpl.Type != models.TemplateKindText && tmpl.Action != nil && step.ExpectsSelection() {
		return e.sendInteractive(ctx, phone, tmpl.Type, text, tmpl.Action)
	}
	return e.sendText(ctx, phone, text)
}

// sendText enqueues a text reply on the outgoing lane (§4.5/§4.6).
func (e *Engine) sendText(ctx context.Context, phone, text string) error {
	payload := map[string]interface{}{
		"phone": phone,
		"message_data": map[string]interface{}{
			"type": "text",
			"text": map[string]interface{}{"body": text},
		},
		"metadata": map[string]interface{}{"source": "conversation_engine"},
	}
	_, err := e.substrate.Send(ctx, models.QueueTypeOutgoing, payload, queue.SendOpts{})
	return err
}

// sendInteractive enqueues a button/list step as a WhatsApp interactive
// message. Action.Buttons/Sections already carry the WhatsApp API's own
// button/section shape verbatim (§3: "its shape is opaque to the engine"),
// so the engine only has to wrap them in the interactive/body envelope
// whatsapp.Client.Send's "interactive" case expects.
func (e *Engine) sendInteractive(ctx context.Context, phone string, kind models.TemplateKind, bodyText string, action *Action) error {
	interactive := map[string]interface{}{
		"type": string(kind),
		"body": map[string]interface{}{"text": bodyText},
	}
	switch kind {
	case models.TemplateKindButton:
		interactive["action"] = map[string]interface{}{"buttons": action.Buttons}
	case models.TemplateKindList:
		interactive["action"] = map[string]interface{}{
			"button":   "Select an option",
			"sections": action.Sections,
		}
	default:
		return e.sendText(ctx, phone, bodyText)
	}

	payload := map[string]interface{}{
		"phone": phone,
		"message_data": map[string]interface{}{
			"type":        "interactive",
			"interactive": interactive,
		},
		"metadata": map[string]interface{}{"source": "conversation_engine"},
	}
	_, err := e.substrate.Send(ctx, models.QueueTypeOutgoing, payload, queue.SendOpts{})
	return err
}

// SweepExpiredStates deletes conversation states past their expires_at,
// the periodic counterpart to the lazy expiry in loadState.
func (e *Engine) SweepExpiredStates(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&models.ConversationState{})
	return res.RowsAffected, res.Error
}

// SweepExpiredAgentSessions transitions agent sessions past their 22h
// window to ended, recording a system transcript message for each.
func (e *Engine) SweepExpiredAgentSessions(ctx context.Context) (int64, error) {
	var sessions []models.AgentSession
	if err := e.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []models.AgentSessionStatus{models.AgentSessionWaiting, models.AgentSessionActive}, time.Now()).
		Find(&sessions).Error; err != nil {
		return 0, fmt.Errorf("conversation: list expired agent sessions: %w", err)
	}

	var n int64
	for _, s := range sessions {
		now := time.Now()
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.AgentSession{}).Where("id = ?", s.ID).
				Updates(map[string]interface{}{"status": models.AgentSessionEnded, "ended_at": now}).Error; err != nil {
				return err
			}
			return tx.Create(&models.AgentMessage{
				SessionID: s.ID,
				Direction: models.DirectionOutgoing,
				Content:   "Session expired after 22 hours of inactivity.",
			}).Error
		})
		if err != nil {
			e.log.Error("conversation: failed to expire agent session", "session_id", s.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
