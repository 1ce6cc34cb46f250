package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedSend struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	MediaPath string `json:"media_path"`
}

func newMockBridge(t *testing.T) (*httptest.Server, *[]capturedSend) {
	t.Helper()
	var mu sync.Mutex
	sent := &[]capturedSend{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/send", func(w http.ResponseWriter, r *http.Request) {
		var payload capturedSend
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		*sent = append(*sent, payload)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if payload.Recipient == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(sendResponse{Success: false, Message: "recipient required"})
			return
		}
		json.NewEncoder(w).Encode(sendResponse{Success: true, Message: "Sent to " + payload.Recipient})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sent
}

func TestSendMessageSuccess(t *testing.T) {
	srv, _ := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	ok, msg := c.SendMessage(context.Background(), "user@s.whatsapp.net", "Hello!")
	assert.True(t, ok)
	assert.Contains(t, msg, "Sent")
}

func TestSendMessageStoresPayload(t *testing.T) {
	srv, sent := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	c.SendMessage(context.Background(), "user@s.whatsapp.net", "Test payload")
	require.Len(t, *sent, 1)
	assert.Equal(t, "user@s.whatsapp.net", (*sent)[0].Recipient)
	assert.Equal(t, "Test payload", (*sent)[0].Message)
}

func TestSendToMissingRecipientFails(t *testing.T) {
	srv, _ := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	ok, _ := c.SendMessage(context.Background(), "", "No recipient")
	assert.False(t, ok)
}

func TestSendFileIncludesMediaPath(t *testing.T) {
	srv, sent := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	ok, _ := c.SendFile(context.Background(), "user@s.whatsapp.net", "/tmp/photo.jpg", "Look at this")
	assert.True(t, ok)
	require.Len(t, *sent, 1)
	assert.Equal(t, "/tmp/photo.jpg", (*sent)[0].MediaPath)
	assert.Equal(t, "Look at this", (*sent)[0].Message)
}

func TestSendChunkedSendsAllChunks(t *testing.T) {
	srv, sent := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	results := c.SendChunked(context.Background(), "user@s.whatsapp.net",
		[]string{"Part 1", "Part 2", "Part 3"}, 10*time.Millisecond)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success)
	}
	assert.Len(t, *sent, 3)
}

func TestSendChunkedEmptyReturnsEmpty(t *testing.T) {
	srv, _ := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)

	results := c.SendChunked(context.Background(), "user@s.whatsapp.net", nil, 0)
	assert.Empty(t, results)
}

func TestSendChunkedStopsOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(sendResponse{Success: false, Message: "Bridge error"})
			return
		}
		json.NewEncoder(w).Encode(sendResponse{Success: true, Message: "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	results := c.SendChunked(context.Background(), "user@s.whatsapp.net",
		[]string{"a", "b", "c"}, 0)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, 2, calls)
}

func TestConnectionRefusedReturnsError(t *testing.T) {
	c := NewClient("http://localhost:1/api", time.Second, nil)
	ok, msg := c.SendMessage(context.Background(), "user@s.whatsapp.net", "Hello")
	assert.False(t, ok)
	assert.Contains(t, msg, "Cannot connect")
}

func TestHealthCheckWithRunningServer(t *testing.T) {
	srv, _ := newMockBridge(t)
	c := NewClient(srv.URL+"/api", 5*time.Second, nil)
	assert.True(t, c.HealthCheck(context.Background()))
}

func TestHealthCheckWithDeadServer(t *testing.T) {
	c := NewClient("http://localhost:1/api", time.Second, nil)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestEventStreamDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		ev := Event{SenderJID: "user@s.whatsapp.net", SenderName: "Alice", Content: "Hi"}
		data, _ := json.Marshal(ev)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
		// Junk payloads and empty senders are skipped, not fatal.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("junk")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"no sender"}`)))

		ev2 := Event{SenderJID: "other@s.whatsapp.net", Content: "Second"}
		data2, _ := json.Marshal(ev2)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data2))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewEventStream("ws"+srv.URL[len("http"):], nil)
	go stream.Run(ctx)

	select {
	case ev := <-stream.Events():
		assert.Equal(t, "user@s.whatsapp.net", ev.SenderJID)
		assert.Equal(t, "Hi", ev.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-stream.Events():
		assert.Equal(t, "other@s.whatsapp.net", ev.SenderJID)
	case <-time.After(2 * time.Second):
		t.Fatal("second event not received")
	}
}

func TestEventStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := NewEventStream("ws://localhost:1/events", nil)

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
