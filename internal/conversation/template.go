// Package conversation implements the Conversation Engine (§4.7): a
// per-phone state machine driven by declarative WorkflowTemplate documents.
package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/nyife/waengine/internal/models"
)

// Step is one node of a template's step graph.
type Step struct {
	Prompt          string            `json:"prompt,omitempty"`
	NextStep        string            `json:"next_step,omitempty"`
	NextSteps       map[string]string `json:"next_steps,omitempty"`
	Validation      models.StepValidation `json:"validation,omitempty"`
	ContextKey      string            `json:"context_key,omitempty"`
	EndConversation bool              `json:"end_conversation,omitempty"`
}

// ExpectsSelection reports whether this step only accepts a button/list
// reply rather than free text.
func (s Step) ExpectsSelection() bool {
	return len(s.NextSteps) > 0
}

// Action carries a button or list template's interactive payload verbatim;
// its shape is opaque to the engine and passed through to the outgoing lane.
type Action struct {
	Buttons  []map[string]interface{} `json:"buttons,omitempty"`
	Sections []map[string]interface{} `json:"sections,omitempty"`
}

// Template is the parsed, validated form of a WorkflowTemplate's
// MenuStructure document.
type Template struct {
	Name            string
	Type            models.TemplateKind
	Body            string            `json:"body_text"`
	Action          *Action           `json:"action,omitempty"`
	TriggerKeywords []string          `json:"trigger_keywords,omitempty"`
	Steps           map[string]Step   `json:"steps"`
}

type templateDoc struct {
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Action *Action `json:"action,omitempty"`
	Steps  map[string]Step `json:"steps"`
}

// ParseTemplate decodes a WorkflowTemplate row's MenuStructure JSONB into a
// Template and validates it per §9: every next_step and next_steps target
// must resolve to a step id within the same template or to an existing
// template name (checked by ValidateTemplate against the full catalog).
func ParseTemplate(row models.WorkflowTemplate) (Template, error) {
	raw, err := json.Marshal(row.MenuStructure)
	if err != nil {
		return Template{}, fmt.Errorf("conversation: marshal menu_structure for %q: %w", row.Name, err)
	}
	var doc templateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Template{}, fmt.Errorf("conversation: parse menu_structure for %q: %w", row.Name, err)
	}
	if _, ok := doc.Steps["initial"]; !ok {
		return Template{}, fmt.Errorf("conversation: template %q has no \"initial\" step", row.Name)
	}

	return Template{
		Name:            row.Name,
		Type:            row.Type,
		Body:            doc.Body.Text,
		Action:          doc.Action,
		TriggerKeywords: []string(row.TriggerKeywords),
		Steps:           doc.Steps,
	}, nil
}

// ValidateTemplate checks that every next_step target of tmpl is a step id
// within tmpl itself, and that every next_steps target is such a step id, a
// name present in templateNames (another template to hand off to), or the
// talk_to_expert sentinel. Invalid templates are rejected at load time
// rather than failing mid-conversation.
func ValidateTemplate(tmpl Template, templateNames map[string]bool) error {
	for stepID, step := range tmpl.Steps {
		if step.NextStep != "" {
			if _, ok := tmpl.Steps[step.NextStep]; !ok {
				return fmt.Errorf("conversation: template %q step %q: next_step %q does not exist", tmpl.Name, stepID, step.NextStep)
			}
		}
		for selection, target := range step.NextSteps {
			if target == models.TalkToExpertSentinel {
				continue
			}
			if _, ok := tmpl.Steps[target]; ok {
				continue
			}
			if templateNames[target] {
				continue
			}
			return fmt.Errorf("conversation: template %q step %q selection %q: target %q is neither a step nor a known template", tmpl.Name, stepID, selection, target)
		}
	}
	return nil
}
