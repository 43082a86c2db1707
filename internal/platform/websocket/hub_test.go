package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 8)}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1", SessionTopic("s1"))

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(SessionTopic("s1")) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount(SessionTopic("s1")))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishOnlyReachesTopicSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient("sub", SessionTopic("s1"))
	other := newClient("other", SessionTopic("s2"))
	hub.Register(sub)
	hub.Register(other)

	event, err := NewSessionEvent(EventDraft, "s1", map[string]string{"grand_total": "10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case data := <-sub.Send:
		var got Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("bad event json: %v", err)
		}
		if got.Type != EventDraft || got.SessionID != "s1" {
			t.Errorf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber received event")
	default:
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{SessionTopic("s1")}, Send: make(chan []byte, 1)}
	hub.Register(client)

	event, _ := NewSessionEvent(EventCandidates, "s1", nil)
	hub.Publish(context.Background(), event)
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish must not fail on a full buffer: %v", err)
	}
	if len(client.Send) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"session:a", "session:b"}})
	if hub.TopicCount("session:a") != 1 || hub.TopicCount("session:b") != 1 {
		t.Fatal("expected subscriptions on both topics")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"session:a"}})
	if hub.TopicCount("session:a") != 0 {
		t.Errorf("expected 0 on session:a, got %d", hub.TopicCount("session:a"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "session:b" {
		t.Errorf("unexpected remaining topics: %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("c", SessionTopic("shared"))
			hub.Register(c)
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleConnect(c); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("plain HTTP request must not be upgraded")
	}
}

func TestHandler_SessionQuerySubscribesAndReceives(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?session=abc"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(SessionTopic("abc")) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(SessionTopic("abc")) != 1 {
		t.Fatal("expected client subscribed to session:abc")
	}

	event, _ := NewSessionEvent(EventNotification, "abc", map[string]string{"kind": "success"})
	hub.Publish(context.Background(), event)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.Type != EventNotification {
		t.Errorf("expected notification event, got %s", got.Type)
	}
}
