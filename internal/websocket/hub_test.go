package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/streamly/internal/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func connect(h *Hub, operator string, buf int) *Client {
	c := &Client{hub: h, operator: operator, send: make(chan []byte, buf)}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) models.WSMessage {
	t.Helper()
	select {
	case b, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var msg models.WSMessage
		require.NoError(t, json.Unmarshal(b, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message to %s", c.operator)
	}
	return models.WSMessage{}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	h := startHub(t)
	c1 := connect(h, "alice", 4)
	c2 := connect(h, "bob", 4)

	h.HandleEvent(context.Background(), models.Event{Type: models.EventLiveStarted, VideoID: "V1"})

	for _, c := range []*Client{c1, c2} {
		msg := receive(t, c)
		assert.Equal(t, "live.started", msg.Event)
		payload, ok := msg.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "V1", payload["video_id"])
	}
	assert.Equal(t, 2, h.ClientCount())
	assert.ElementsMatch(t, []string{"alice", "bob"}, h.Operators())
}

func TestHub_SubscriptionFilter(t *testing.T) {
	h := startHub(t)
	c := connect(h, "alice", 4)
	c.handleMessage([]byte(`{"event":"subscribe","payload":{"types":["live.ended"]}}`))

	h.HandleEvent(context.Background(), models.Event{Type: models.EventLiveStarted, VideoID: "V1"})
	h.HandleEvent(context.Background(), models.Event{Type: models.EventLiveEnded, VideoID: "V1"})

	msg := receive(t, c)
	assert.Equal(t, "live.ended", msg.Event)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := startHub(t)
	slow := connect(h, "slow", 0)

	h.HandleEvent(context.Background(), models.Event{Type: models.EventLiveStarted})

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-slow.send
	assert.False(t, ok)
}

func TestClient_RejectsUnknownMessages(t *testing.T) {
	c := &Client{send: make(chan []byte, 2)}
	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"event":"message.send"}`))

	for _, want := range []string{"Invalid message format", "Unknown event type"} {
		var msg models.WSMessage
		require.NoError(t, json.Unmarshal(<-c.send, &msg))
		assert.Equal(t, "error", msg.Event)
		assert.Equal(t, want, msg.Payload.(map[string]interface{})["message"])
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		pattern, origin string
		want            bool
	}{
		{"https://ops.example.com", "https://ops.example.com", true},
		{"*.example.com", "https://ops.example.com", true},
		{"*.example.com", "https://evil-example.com", false},
		{"https://ops.example.com", "https://other.example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchOrigin(tt.pattern, tt.origin), "%s vs %s", tt.pattern, tt.origin)
	}
}
