package analytics_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyife/waengine/internal/analytics"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/test/testutil"
)

// fakeSubstrate records every Send call; Emit never calls the other
// queue.Substrate methods.
type fakeSubstrate struct {
	mu   sync.Mutex
	lane models.QueueType
	sent []map[string]interface{}
}

func (f *fakeSubstrate) Send(ctx context.Context, lane models.QueueType, payload map[string]interface{}, opts queue.SendOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lane = lane
	f.sent = append(f.sent, payload)
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

func TestEmit_SendsToAnalyticsLaneWithEventEnvelope(t *testing.T) {
	sub := &fakeSubstrate{}
	pub := analytics.New(sub, testutil.NopLogger())

	pub.Emit(context.Background(), "message_received", map[string]interface{}{"phone": "+15551234567"}, nil)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.sent, 1)
	assert.Equal(t, models.QueueTypeAnalytics, sub.lane)
	assert.Equal(t, "message_received", sub.sent[0]["event_type"])
	assert.Equal(t, "analytics", sub.sent[0]["source"])

	metadata, ok := sub.sent[0]["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, metadata["processing_id"])
}

func TestEmit_PreservesCallerSuppliedProcessingID(t *testing.T) {
	sub := &fakeSubstrate{}
	pub := analytics.New(sub, testutil.NopLogger())

	pub.Emit(context.Background(), "campaign_sent", nil, map[string]interface{}{"processing_id": "caller-id-123"})

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.sent, 1)
	metadata := sub.sent[0]["metadata"].(map[string]interface{})
	assert.Equal(t, "caller-id-123", metadata["processing_id"])
}

// failingSubstrate always errors, exercising Emit's non-blocking contract:
// a Send failure is logged and swallowed, never returned to the caller.
type failingSubstrate struct{ fakeSubstrate }

func (f *failingSubstrate) Send(ctx context.Context, lane models.QueueType, payload map[string]interface{}, opts queue.SendOpts) (string, error) {
	return "", assert.AnError
}

func TestEmit_SwallowsSubstrateErrors(t *testing.T) {
	sub := &failingSubstrate{}
	pub := analytics.New(sub, testutil.NopLogger())

	assert.NotPanics(t, func() {
		pub.Emit(context.Background(), "message_received", nil, nil)
	})
}
