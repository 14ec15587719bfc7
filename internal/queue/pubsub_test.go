package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/test/testutil"
)

func TestPublishSubscribe_DeliversCampaignStatsUpdate(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}

	pub := queue.NewPublisher(client, testutil.NopLogger())
	sub := queue.NewSubscriber(client, testutil.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *queue.CampaignStatsUpdate, 1)
	require.NoError(t, sub.SubscribeCampaignStats(ctx, func(update *queue.CampaignStatsUpdate) {
		received <- update
	}))
	t.Cleanup(func() { _ = sub.Close() })

	// give the subscription goroutine a moment to be ready on the channel.
	time.Sleep(50 * time.Millisecond)

	err := pub.PublishCampaignStats(ctx, &queue.CampaignStatsUpdate{
		CampaignID: "camp-42",
		Status:     models.CampaignStatusActive,
		SentCount:  5,
	})
	require.NoError(t, err)

	select {
	case update := <-received:
		assert.Equal(t, "camp-42", update.CampaignID)
		assert.Equal(t, models.CampaignStatusActive, update.Status)
		assert.Equal(t, 5, update.SentCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published campaign stats update")
	}
}

func TestSubscribeCampaignStats_StopsOnContextCancel(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}

	sub := queue.NewSubscriber(client, testutil.NopLogger())
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan *queue.CampaignStatsUpdate, 1)
	require.NoError(t, sub.SubscribeCampaignStats(ctx, func(update *queue.CampaignStatsUpdate) {
		received <- update
	}))

	cancel()
	_ = sub.Close()

	// after cancellation the handler must not fire for a subsequent publish.
	pub := queue.NewPublisher(client, testutil.NopLogger())
	_ = pub.PublishCampaignStats(context.Background(), &queue.CampaignStatsUpdate{CampaignID: "camp-ignored"})

	select {
	case <-received:
		t.Fatal("handler fired after context cancellation")
	case <-time.After(200 * time.Millisecond):
	}
}
