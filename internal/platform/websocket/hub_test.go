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

func newTestHub() *Hub { return NewHub(zerolog.Nop()) }

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	client := NewClient("u1", []string{"lab", " ", "pharmacy"})
	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("lab") != 1 || hub.TopicCount("pharmacy") != 1 {
		t.Fatal("expected subscriptions to lab and pharmacy")
	}
	if len(client.Topics) != 2 {
		t.Errorf("expected blank topics dropped, got %v", client.Topics)
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("lab") != 0 {
		t.Fatal("expected hub to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send to be closed")
	}
}

func TestHub_PublishToTopic(t *testing.T) {
	hub := newTestHub()
	lab := NewClient("u1", []string{"lab"})
	finance := NewClient("u2", []string{"finance"})
	hub.Register(lab)
	hub.Register(finance)

	if err := hub.Publish(context.Background(), Event{Type: "patient.moved", Topic: "lab", PatientID: "PAT7"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := receive(t, lab)
	if ev.PatientID != "PAT7" || ev.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
	select {
	case <-finance.Send:
		t.Error("finance board should not receive lab events")
	default:
	}
}

func TestHub_SlowClientDropsEvents(t *testing.T) {
	hub := newTestHub()
	client := NewClient("u1", []string{"doctor"})
	hub.Register(client)

	for i := 0; i < sendBuffer+10; i++ {
		if err := hub.Publish(context.Background(), Event{Type: "patient.moved", Topic: "doctor"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(client.Send) != sendBuffer {
		t.Errorf("expected a full buffer of %d, got %d", sendBuffer, len(client.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient("u1", nil)
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"lab", "lab", "patient:PAT1"}})
	if hub.TopicCount("lab") != 1 || len(client.Topics) != 2 {
		t.Fatalf("expected two distinct topics, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"lab"}})
	if hub.TopicCount("lab") != 0 {
		t.Error("expected no lab subscribers")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "patient:PAT1" {
		t.Errorf("unexpected topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_SubscribeAfterUnregister(t *testing.T) {
	hub := newTestHub()
	client := NewClient("u1", nil)
	hub.Register(client)
	hub.Unregister(client)

	hub.Subscribe(client, []string{"lab"})
	if hub.TopicCount("lab") != 0 {
		t.Error("unregistered client must not be subscribed")
	}
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient("u", []string{"finance"})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "payment.raised", Topic: "finance"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RequiresUpgrade(t *testing.T) {
	e := echo.New()
	NewHandler(newTestHub(), nil, nil).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodGet, "/ws/queues", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a plain GET, got %d", rec.Code)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub, []string{"http://board.local"}, nil).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws/queues", header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub, nil, func(context.Context) string { return "lab-1" }).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/queues?topics=lab"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("lab") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"patient:PAT3"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool { return hub.TopicCount("patient:PAT3") == 1 })

	_ = hub.Publish(context.Background(), Event{Type: "patient.moved", Topic: "patient:PAT3", PatientID: "PAT3"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "patient.moved" || got.PatientID != "PAT3" {
		t.Errorf("unexpected event %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
