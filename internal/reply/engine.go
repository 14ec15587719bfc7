// Package reply implements the Reply Engine (§4.6): a priority-ordered
// rule list matched against inbound text messages, grounded directly on
// original_source's reply_automation.py.
package reply

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
)

// scriptPrefix marks a Condition as a goja expression rather than a regex,
// e.g. "js:message.length > 200" for rules no regex can express cleanly.
const scriptPrefix = "js:"

// Rule is one entry in the precompiled, immutable rule list (§9: "precompile
// patterns once at configuration load; the rule list is immutable at
// runtime").
type Rule struct {
	Name      string
	Condition string // "*", a case-insensitive regex, or a "js:"-prefixed goja expression
	Reply     map[string]interface{}
	Priority  int
	Active    bool

	compiled *regexp.Regexp // nil unless Condition is a regex
	program  *goja.Program  // nil unless Condition is a "js:" script
}

// BusinessHours gates the business_hours_closed rule.
type BusinessHours struct {
	Start        time.Time // time-of-day component only
	End          time.Time
	WeekdaysOnly bool
}

// IsOpen reports whether now falls inside business hours.
func (b BusinessHours) IsOpen(now time.Time) bool {
	if b.WeekdaysOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return false
	}
	t := now.Hour()*60 + now.Minute()
	start := b.Start.Hour()*60 + b.Start.Minute()
	end := b.End.Hour()*60 + b.End.Minute()
	return t >= start && t <= end
}

// businessHoursClosedRule is the reserved name suppressed when inside
// business hours (§4.6 step 4).
const businessHoursClosedRule = "business_hours_closed"

// Engine is the Reply Engine of §4.6.
type Engine struct {
	rules         []Rule
	businessHours BusinessHours
	substrate     queue.Substrate
	log           logf.Logger
}

// New compiles rules once and returns a ready Engine. An invalid regex
// condition is logged and the rule is dropped rather than crashing startup,
// matching _rule_matches's re.error handling in the original. substrate is
// the outgoing lane Enqueue sends matched replies to.
func New(rules []Rule, businessHours BusinessHours, substrate queue.Substrate, log logf.Logger) *Engine {
	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		switch {
		case r.Condition == "*":
			// matches everything, nothing to precompile
		case strings.HasPrefix(r.Condition, scriptPrefix):
			src := strings.TrimPrefix(r.Condition, scriptPrefix)
			prog, err := goja.Compile(r.Name, src, false)
			if err != nil {
				log.Warn("reply: invalid script condition, dropping rule", "rule", r.Name, "error", err)
				continue
			}
			r.program = prog
		default:
			re, err := regexp.Compile("(?i)" + r.Condition)
			if err != nil {
				log.Warn("reply: invalid regex pattern, dropping rule", "rule", r.Name, "condition", r.Condition, "error", err)
				continue
			}
			r.compiled = re
		}
		compiled = append(compiled, r)
	}
	return &Engine{rules: compiled, businessHours: businessHours, substrate: substrate, log: log}
}

// DefaultRules returns the seed rule set named in §4.6: greetings, FAQ
// (hours, pricing, support, contact), business-hours gate, and a fallback.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "greeting_hi",
			Condition: `\b(hi|hello|hey|greetings)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "Hello! Welcome. How can I help you today?"},
			Priority:  10,
			Active:    true,
		},
		{
			Name:      "greeting_good_morning",
			Condition: `\b(good morning|morning)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "Good morning! How can I assist you?"},
			Priority:  10,
			Active:    true,
		},
		{
			Name:      businessHoursClosedRule,
			Condition: "*",
			Reply:     map[string]interface{}{"type": "text", "content": "Thank you for contacting us! Our business hours are 9 AM - 5 PM (Mon-Fri). We'll respond during business hours."},
			Priority:  1,
			Active:    true,
		},
		{
			Name:      "faq_hours",
			Condition: `\b(hours|open|close|timing|schedule)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "Our business hours are Monday-Friday 9:00 AM - 5:00 PM. Saturday-Sunday: closed."},
			Priority:  8,
			Active:    true,
		},
		{
			Name:      "faq_pricing",
			Condition: `\b(price|cost|rate|pricing|how much|fee)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "Let me send you our detailed pricing information."},
			Priority:  7,
			Active:    true,
		},
		{
			Name:      "faq_support",
			Condition: `\b(support|help|issue|problem|bug|error)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "I'm here to help! Could you describe the issue you're experiencing?"},
			Priority:  7,
			Active:    true,
		},
		{
			Name:      "contact_info",
			Condition: `\b(contact|phone|email|address|location)\b`,
			Reply:     map[string]interface{}{"type": "text", "content": "Phone: +1 (555) 123-4567\nEmail: support@company.com"},
			Priority:  6,
			Active:    true,
		},
		{
			Name:      "fallback_unknown",
			Condition: "*",
			Reply:     map[string]interface{}{"type": "text", "content": "Thank you for your message! Our team will get back to you soon."},
			Priority:  0,
			Active:    true,
		},
	}
}

// Match is the outcome of Process: the selected rule and its formatted
// outgoing reply payload, or nil if no reply should be sent.
type Match struct {
	Rule     Rule
	Priority models.ReplyPriorityBand
	Metadata map[string]interface{}
}

// Process implements §4.6: normalize, collect matches, pick max priority
// (ties broken by insertion order), apply the business-hours gate. Only
// called for text messages by the Incoming Processor.
func (e *Engine) Process(ctx context.Context, messageText string) *Match {
	normalized := strings.ToLower(strings.TrimSpace(messageText))

	var best *Rule
	now := time.Now()
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Active {
			continue
		}
		if !e.matches(r, normalized) {
			continue
		}
		if r.Name == businessHoursClosedRule && e.businessHours.IsOpen(now) {
			continue
		}
		// max by priority; ties keep the first (lowest index) seen, i.e.
		// insertion order, since we only replace on strictly greater priority.
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}

	if best == nil {
		return nil
	}

	band := models.ReplyPriorityNormal
	if best.Priority > 5 {
		band = models.ReplyPriorityHigh
	}

	return &Match{
		Rule:     *best,
		Priority: band,
		Metadata: map[string]interface{}{
			"rule_name": best.Name,
			"automated": true,
			"context":   map[string]interface{}{"original_message": messageText},
		},
	}
}

// Enqueue implements §4.6 step 5: place the matched reply on the outgoing
// lane with its priority band and rule/automation metadata. The caller
// (Incoming Processor) invokes this once Process has picked a rule.
func (e *Engine) Enqueue(ctx context.Context, phone string, match *Match) error {
	if e.substrate == nil {
		return fmt.Errorf("reply: no outgoing substrate configured")
	}

	payload := map[string]interface{}{
		"phone":        phone,
		"message_data": buildMessageData(match.Rule.Reply),
		"metadata":     match.Metadata,
	}
	opts := queue.SendOpts{Attributes: map[string]string{
		"MessageType": "AutomatedReply",
		"Priority":    string(match.Priority),
	}}

	if _, err := e.substrate.Send(ctx, models.QueueTypeOutgoing, payload, opts); err != nil {
		return fmt.Errorf("reply: enqueue rule %q: %w", match.Rule.Name, err)
	}
	return nil
}

// buildMessageData converts a rule's {type, content} reply shape into the
// WhatsApp message_data envelope the Outgoing Processor and whatsapp.Client
// expect. Rules already carrying a full message_data shape (an "interactive"
// reply, say) pass through unchanged.
func buildMessageData(reply map[string]interface{}) map[string]interface{} {
	msgType, _ := reply["type"].(string)
	if msgType == "" {
		msgType = "text"
	}
	if msgType != "text" {
		return reply
	}
	content, _ := reply["content"].(string)
	return map[string]interface{}{
		"type": "text",
		"text": map[string]interface{}{
			"preview_url": false,
			"body":        content,
		},
	}
}

func (e *Engine) matches(r *Rule, normalized string) bool {
	switch {
	case r.Condition == "*":
		return true
	case r.program != nil:
		return e.matchesScript(r, normalized)
	case r.compiled != nil:
		return r.compiled.MatchString(normalized)
	default:
		return false
	}
}

// matchesScript runs a precompiled "js:" condition in a fresh goja.Runtime
// (one per call — goja.Runtime is not safe for concurrent use, and the
// Incoming Processor evaluates rules from many worker goroutines at once).
// A script error or non-boolean result is treated as no match.
func (e *Engine) matchesScript(r *Rule, normalized string) bool {
	vm := goja.New()
	if err := vm.Set("message", normalized); err != nil {
		e.log.Warn("reply: failed to bind script variable", "rule", r.Name, "error", err)
		return false
	}
	result, err := vm.RunProgram(r.program)
	if err != nil {
		e.log.Warn("reply: script condition raised an error", "rule", r.Name, "error", err)
		return false
	}
	return result.ToBoolean()
}
