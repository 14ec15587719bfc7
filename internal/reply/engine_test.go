package reply_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/reply"
)

// fakeSubstrate records every Send call; Enqueue never calls the other
// queue.Substrate methods.
type fakeSubstrate struct {
	mu   sync.Mutex
	lane models.QueueType
	sent []map[string]interface{}
	opts []queue.SendOpts
}

func (f *fakeSubstrate) Send(ctx context.Context, lane models.QueueType, payload map[string]interface{}, opts queue.SendOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lane = lane
	f.sent = append(f.sent, payload)
	f.opts = append(f.opts, opts)
	return "msg-id", nil
}

func (f *fakeSubstrate) Receive(ctx context.Context, lane models.QueueType, maxMessages, waitSeconds, visibilitySeconds int) ([]queue.Envelope, error) {
	return nil, nil
}
func (f *fakeSubstrate) Delete(ctx context.Context, lane models.QueueType, receiptHandle string) error {
	return nil
}
func (f *fakeSubstrate) ExtendVisibility(ctx context.Context, lane models.QueueType, receiptHandle string, seconds int) error {
	return nil
}
func (f *fakeSubstrate) Attributes(ctx context.Context, lane models.QueueType) (queue.Attributes, error) {
	return queue.Attributes{}, nil
}

func testBusinessHours() reply.BusinessHours {
	start, _ := time.Parse("15:04", "09:00")
	end, _ := time.Parse("15:04", "17:00")
	return reply.BusinessHours{Start: start, End: end, WeekdaysOnly: true}
}

func TestProcess_GreetingWinsOverFallback(t *testing.T) {
	e := reply.New(reply.DefaultRules(), testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "hello there")
	require.NotNil(t, match)
	assert.Equal(t, "greeting_hi", match.Rule.Name)
	assert.Equal(t, models.ReplyPriorityHigh, match.Priority)
}

func TestProcess_FallbackWhenNothingMatches(t *testing.T) {
	// Open all day, so business_hours_closed cannot outrank the fallback.
	start, _ := time.Parse("15:04", "00:00")
	end, _ := time.Parse("15:04", "23:59")
	e := reply.New(reply.DefaultRules(), reply.BusinessHours{Start: start, End: end}, nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "asdkjaslkdj random gibberish")
	require.NotNil(t, match)
	assert.Equal(t, "fallback_unknown", match.Rule.Name)
	assert.Equal(t, models.ReplyPriorityNormal, match.Priority)
}

func TestProcess_PriorityTieBreakIsInsertionOrder(t *testing.T) {
	rules := []reply.Rule{
		{Name: "first", Condition: "hello", Priority: 5, Active: true},
		{Name: "second", Condition: "hello", Priority: 5, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "hello")
	require.NotNil(t, match)
	assert.Equal(t, "first", match.Rule.Name)
}

func TestProcess_FAQRulesOutrankFallbackButNotGreeting(t *testing.T) {
	e := reply.New(reply.DefaultRules(), testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "what are your pricing options?")
	require.NotNil(t, match)
	assert.Equal(t, "faq_pricing", match.Rule.Name)

	match = e.Process(context.Background(), "hi, what are your pricing options?")
	require.NotNil(t, match)
	assert.Equal(t, "greeting_hi", match.Rule.Name)
}

func TestProcess_CaseInsensitiveMatching(t *testing.T) {
	e := reply.New(reply.DefaultRules(), testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "HELLO")
	require.NotNil(t, match)
	assert.Equal(t, "greeting_hi", match.Rule.Name)
}

func TestProcess_BusinessHoursClosedSuppressedDuringOpenHours(t *testing.T) {
	// business_hours_closed only fires when the fallback would otherwise
	// fire; outside business hours it should outrank the generic fallback.
	start, _ := time.Parse("15:04", "00:00")
	end, _ := time.Parse("15:04", "23:59")
	alwaysOpen := reply.BusinessHours{Start: start, End: end, WeekdaysOnly: false}

	e := reply.New(reply.DefaultRules(), alwaysOpen, nil, logf.New(logf.Opts{}))
	match := e.Process(context.Background(), "random unmatched text")
	require.NotNil(t, match)
	assert.Equal(t, "fallback_unknown", match.Rule.Name, "business_hours_closed must be suppressed while open")
}

func TestProcess_InvalidRegexIsDroppedNotFatal(t *testing.T) {
	rules := []reply.Rule{
		{Name: "broken", Condition: "(unterminated", Priority: 9, Active: true},
		{Name: "fallback", Condition: "*", Priority: 0, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "anything")
	require.NotNil(t, match)
	assert.Equal(t, "fallback", match.Rule.Name)
}

func TestProcess_InactiveRuleNeverMatches(t *testing.T) {
	rules := []reply.Rule{
		{Name: "disabled", Condition: "hello", Priority: 9, Active: false},
		{Name: "fallback", Condition: "*", Priority: 0, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "hello")
	require.NotNil(t, match)
	assert.Equal(t, "fallback", match.Rule.Name)
}

func TestProcess_ScriptConditionMatches(t *testing.T) {
	rules := []reply.Rule{
		{Name: "long_message", Condition: "js:message.length > 20", Priority: 9, Active: true},
		{Name: "fallback", Condition: "*", Priority: 0, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "this message is definitely longer than twenty characters")
	require.NotNil(t, match)
	assert.Equal(t, "long_message", match.Rule.Name)
}

func TestProcess_ScriptConditionNoMatchFallsThrough(t *testing.T) {
	rules := []reply.Rule{
		{Name: "long_message", Condition: "js:message.length > 200", Priority: 9, Active: true},
		{Name: "fallback", Condition: "*", Priority: 0, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "short")
	require.NotNil(t, match)
	assert.Equal(t, "fallback", match.Rule.Name)
}

func TestProcess_InvalidScriptIsDroppedNotFatal(t *testing.T) {
	rules := []reply.Rule{
		{Name: "broken_script", Condition: "js:this is not valid javascript {{{", Priority: 9, Active: true},
		{Name: "fallback", Condition: "*", Priority: 0, Active: true},
	}
	e := reply.New(rules, testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "anything")
	require.NotNil(t, match)
	assert.Equal(t, "fallback", match.Rule.Name)
}

func TestEnqueue_SendsTextReplyToOutgoingLaneWithPriorityAndMetadata(t *testing.T) {
	sub := &fakeSubstrate{}
	e := reply.New(reply.DefaultRules(), testBusinessHours(), sub, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "hello there")
	require.NotNil(t, match)
	require.Equal(t, models.ReplyPriorityHigh, match.Priority)

	require.NoError(t, e.Enqueue(context.Background(), "+15551234567", match))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.sent, 1)
	assert.Equal(t, models.QueueTypeOutgoing, sub.lane)

	sent := sub.sent[0]
	assert.Equal(t, "+15551234567", sent["phone"])

	messageData, ok := sent["message_data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "text", messageData["type"])
	text, ok := messageData["text"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Hello! Welcome. How can I help you today?", text["body"])

	metadata, ok := sent["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "greeting_hi", metadata["rule_name"])
	assert.Equal(t, true, metadata["automated"])

	assert.Equal(t, "high", sub.opts[0].Attributes["Priority"])
}

func TestEnqueue_NormalPriorityForLowPriorityRule(t *testing.T) {
	sub := &fakeSubstrate{}
	e := reply.New(reply.DefaultRules(), testBusinessHours(), sub, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "asdkjaslkdj random gibberish")
	require.NotNil(t, match)

	require.NoError(t, e.Enqueue(context.Background(), "+15550000000", match))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, "normal", sub.opts[0].Attributes["Priority"])
}

func TestEnqueue_WithoutSubstrateConfiguredIsError(t *testing.T) {
	e := reply.New(reply.DefaultRules(), testBusinessHours(), nil, logf.New(logf.Opts{}))

	match := e.Process(context.Background(), "hello")
	require.NotNil(t, match)

	err := e.Enqueue(context.Background(), "+15551234567", match)
	assert.Error(t, err)
}

func TestBusinessHours_IsOpen(t *testing.T) {
	bh := testBusinessHours()

	monday10am := time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC)
	assert.True(t, bh.IsOpen(monday10am))

	monday8am := time.Date(2026, 7, 27, 8, 0, 0, 0, time.UTC)
	assert.False(t, bh.IsOpen(monday8am))

	saturday10am := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	assert.False(t, bh.IsOpen(saturday10am))
}
