package dedup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/dedup"
	"github.com/nyife/waengine/internal/models"
	"github.com/nyife/waengine/test/testutil"
)

func TestCreateIfAbsent_FirstCallIsNew(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("Redis not available, skipping test")
	}
	store := dedup.New(client, logf.New(logf.Opts{}))
	ctx := context.Background()
	messageID := "m-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, "waengine:dedup:"+messageID, "waengine:dedup:"+messageID+":meta") })

	res, err := store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, models.DedupStatusReceived, res.Status)
	assert.Equal(t, 1, res.WebhookCount)
}

func TestCreateIfAbsent_DuplicateIncrementsWebhookCount(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("Redis not available, skipping test")
	}
	store := dedup.New(client, logf.New(logf.Opts{}))
	ctx := context.Background()
	messageID := "m-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, "waengine:dedup:"+messageID, "waengine:dedup:"+messageID+":meta") })

	first, err := store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.ProcessingID, second.ProcessingID)
	assert.Equal(t, 2, second.WebhookCount)
}

// TestClaim_ExactlyOneWinner spawns N concurrent claim attempts on the same
// message_id and asserts exactly one succeeds (§8 universal invariant).
func TestClaim_ExactlyOneWinner(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("Redis not available, skipping test")
	}
	store := dedup.New(client, logf.New(logf.Opts{}))
	ctx := context.Background()
	messageID := "m-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, "waengine:dedup:"+messageID, "waengine:dedup:"+messageID+":meta") })

	_, err := store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, messageID, uuid.NewString())
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestUpdateStatus_RequiresOwnership(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("Redis not available, skipping test")
	}
	store := dedup.New(client, logf.New(logf.Opts{}))
	ctx := context.Background()
	messageID := "m-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, "waengine:dedup:"+messageID, "waengine:dedup:"+messageID+":meta") })

	_, err := store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)

	processorA := uuid.NewString()
	ok, err := store.Claim(ctx, messageID, processorA)
	require.NoError(t, err)
	require.True(t, ok)

	err = store.UpdateStatus(ctx, messageID, models.DedupStatusCompleted, "someone-else", dedup.UpdateOpts{})
	assert.ErrorIs(t, err, dedup.ErrNotOwner)

	err = store.UpdateStatus(ctx, messageID, models.DedupStatusCompleted, processorA, dedup.UpdateOpts{})
	assert.NoError(t, err)
}

func TestExists(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("Redis not available, skipping test")
	}
	store := dedup.New(client, logf.New(logf.Opts{}))
	ctx := context.Background()
	messageID := "m-" + uuid.NewString()

	ok, err := store.Exists(ctx, messageID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.CreateIfAbsent(ctx, messageID, 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { client.Del(ctx, "waengine:dedup:"+messageID, "waengine:dedup:"+messageID+":meta") })

	ok, err = store.Exists(ctx, messageID)
	require.NoError(t, err)
	assert.True(t, ok)
}
