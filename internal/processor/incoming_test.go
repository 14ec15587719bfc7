package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyife/waengine/internal/dedup"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/processor"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/reply"
	"github.com/nyife/waengine/test/testutil"
)

func TestIncoming_TextMessageNoMatchPersistsAndDeletes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	redisClient := testutil.SetupTestRedis(t)
	if redisClient == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}
	dedupStore := dedup.New(redisClient, testutil.NopLogger())

	sub := &fakeOutgoingSubstrate{envelopes: []queue.Envelope{{
		Data: map[string]interface{}{
			"webhook_data": map[string]interface{}{
				"message": map[string]interface{}{
					"id":   "wamid.IN1",
					"from": "+15559998888",
					"type": "text",
					"text": map[string]interface{}{"body": "hello there"},
				},
			},
		},
		ReceiptHandle: "rh-in-1",
	}}}

	_, err := dedupStore.CreateIfAbsent(context.Background(), "wamid.IN1", time.Hour)
	require.NoError(t, err)

	p := processor.NewIncoming(singleWorkerIncoming(), sub, dedupStore, db, nil, nil, testutil.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	cancel()
	<-done

	var msg models.StoredMessage
	require.NoError(t, db.Where("message_id = ?", "wamid.IN1").First(&msg).Error)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, models.DirectionIncoming, msg.Direction)
	assert.Equal(t, models.MessageStatusProcessed, msg.Status)
	assert.Contains(t, sub.deleted, "rh-in-1")
}

func TestIncoming_MissingMessageIDDeletesEnvelope(t *testing.T) {
	db := testutil.SetupTestDB(t)
	redisClient := testutil.SetupTestRedis(t)
	if redisClient == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}
	dedupStore := dedup.New(redisClient, testutil.NopLogger())

	sub := &fakeOutgoingSubstrate{envelopes: []queue.Envelope{{
		Data:          map[string]interface{}{"webhook_data": map[string]interface{}{"message": map[string]interface{}{}}},
		ReceiptHandle: "rh-in-missing",
	}}}

	p := processor.NewIncoming(singleWorkerIncoming(), sub, dedupStore, db, nil, nil, testutil.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	cancel()
	<-done

	assert.Contains(t, sub.deleted, "rh-in-missing")
}

func TestIncoming_MediaMessagePersistedWithoutDispatch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	redisClient := testutil.SetupTestRedis(t)
	if redisClient == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}
	dedupStore := dedup.New(redisClient, testutil.NopLogger())

	sub := &fakeOutgoingSubstrate{envelopes: []queue.Envelope{{
		Data: map[string]interface{}{
			"webhook_data": map[string]interface{}{
				"message": map[string]interface{}{
					"id":   "wamid.IMG1",
					"from": "+1",
					"type": "image",
					"image": map[string]interface{}{"id": "media-1", "caption": "a photo"},
				},
			},
		},
		ReceiptHandle: "rh-img-1",
	}}}

	_, err := dedupStore.CreateIfAbsent(context.Background(), "wamid.IMG1", time.Hour)
	require.NoError(t, err)

	p := processor.NewIncoming(singleWorkerIncoming(), sub, dedupStore, db, nil, nil, testutil.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	cancel()
	<-done

	var msg models.StoredMessage
	require.NoError(t, db.Where("message_id = ?", "wamid.IMG1").First(&msg).Error)
	assert.Equal(t, models.MessageStatusProcessed, msg.Status)
	assert.Contains(t, sub.deleted, "rh-img-1")
}

func TestIncoming_TextMatchEnqueuesAutomatedReplyOnOutgoingLane(t *testing.T) {
	db := testutil.SetupTestDB(t)
	redisClient := testutil.SetupTestRedis(t)
	if redisClient == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}
	dedupStore := dedup.New(redisClient, testutil.NopLogger())

	sub := &fakeOutgoingSubstrate{envelopes: []queue.Envelope{{
		Data: map[string]interface{}{
			"webhook_data": map[string]interface{}{
				"message": map[string]interface{}{
					"id":   "wamid.REPLY1",
					"from": "+15557778888",
					"type": "text",
					"text": map[string]interface{}{"body": "hello there"},
				},
			},
		},
		ReceiptHandle: "rh-reply-1",
	}}}

	_, err := dedupStore.CreateIfAbsent(context.Background(), "wamid.REPLY1", time.Hour)
	require.NoError(t, err)

	allDay, _ := time.Parse("15:04", "00:00")
	endOfDay, _ := time.Parse("15:04", "23:59")
	replyEngine := reply.New(reply.DefaultRules(), reply.BusinessHours{Start: allDay, End: endOfDay}, sub, testutil.NopLogger())

	p := processor.NewIncoming(singleWorkerIncoming(), sub, dedupStore, db, nil, replyEngine, testutil.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()
	cancel()
	<-done

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.sent, 1)
	metadata, ok := sub.sent[0]["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "greeting_hi", metadata["rule_name"])
}

func TestIncoming_AlreadyClaimedMessageDeletesEnvelopeWithoutReprocessing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	redisClient := testutil.SetupTestRedis(t)
	if redisClient == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}
	dedupStore := dedup.New(redisClient, testutil.NopLogger())

	ctx := context.Background()
	_, err := dedupStore.CreateIfAbsent(ctx, "wamid.DUP1", time.Hour)
	require.NoError(t, err)
	claimed, err := dedupStore.Claim(ctx, "wamid.DUP1", "other-processor")
	require.NoError(t, err)
	require.True(t, claimed)

	sub := &fakeOutgoingSubstrate{envelopes: []queue.Envelope{{
		Data: map[string]interface{}{
			"webhook_data": map[string]interface{}{
				"message": map[string]interface{}{
					"id":   "wamid.DUP1",
					"from": "+1",
					"type": "text",
					"text": map[string]interface{}{"body": "dup"},
				},
			},
		},
		ReceiptHandle: "rh-dup-1",
	}}}

	p := processor.NewIncoming(singleWorkerIncoming(), sub, dedupStore, db, nil, nil, testutil.NopLogger())
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(runCtx); close(done) }()
	cancel()
	<-done

	assert.Contains(t, sub.deleted, "rh-dup-1")

	var count int64
	db.Model(&models.StoredMessage{}).Where("message_id = ?", "wamid.DUP1").Count(&count)
	assert.Zero(t, count, "message claimed by another processor must not be persisted here")
}
