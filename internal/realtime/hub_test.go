package realtime_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyife/waengine/internal/queue"
	"github.com/nyife/waengine/internal/realtime"
	"github.com/nyife/waengine/test/testutil"
)

func runHub(t *testing.T) *realtime.Hub {
	t.Helper()
	hub := realtime.NewHub(testutil.NopLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	t.Cleanup(func() { close(stop) })
	return hub
}

func TestHub_RegisterAndUnregisterTracksClientCount(t *testing.T) {
	hub := runHub(t)
	client := realtime.NewClient(hub, nil)

	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestHub_BroadcastCampaignStatsDeliversToRegisteredClients(t *testing.T) {
	hub := runHub(t)
	client := realtime.NewClient(hub, nil)
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	update := &queue.CampaignStatsUpdate{
		CampaignID: "camp-1",
		Status:     "running",
		SentCount:  10,
	}
	hub.BroadcastCampaignStats(update)

	select {
	case msg := <-client.Send():
		var got queue.CampaignStatsUpdate
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "camp-1", got.CampaignID)
		assert.Equal(t, 10, got.SentCount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
}

func TestHub_UnregisterUnknownClientIsNoop(t *testing.T) {
	hub := runHub(t)
	client := realtime.NewClient(hub, nil)

	hub.Unregister(client)
	assert.Equal(t, 0, hub.ClientCount())
}
