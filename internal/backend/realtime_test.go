package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		b := reconnectBackoff(attempt)
		if b <= prev {
			t.Errorf("attempt %d: backoff %v did not grow past %v", attempt, b, prev)
		}
		prev = b
	}

	capped := reconnectBackoff(20)
	max := maxReconnectBackoff + time.Duration(float64(maxReconnectBackoff)*reconnectJitter)
	if capped > max {
		t.Errorf("backoff %v exceeds cap %v", capped, max)
	}
}

func TestWatchDeliversEventsAndStops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		topic, _ := join["topic"].(string)
		joined <- topic

		conn.WriteJSON(map[string]any{
			"topic":   topic,
			"event":   "UPDATE",
			"payload": map[string]any{"record": map[string]any{"id": "a1"}},
		})

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	live := NewLiveClient(srv.URL, "test-key", nil)
	events := make(chan *Event, 1)
	err := live.Watch(context.Background(), "assets", func(e *Event) {
		select {
		case events <- e:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case topic := <-joined:
		if topic != "realtime:public:assets" {
			t.Errorf("joined topic = %q", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the join")
	}

	select {
	case event := <-events:
		if event.Event != "UPDATE" {
			t.Errorf("event = %q, want UPDATE", event.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := live.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := live.Watch(context.Background(), "assets", func(*Event) {}); err != nil {
		t.Fatalf("Watch after Stop: %v", err)
	}
	live.Stop(context.Background())
}

func TestWatchRejectsDoubleSubscribe(t *testing.T) {
	live := NewLiveClient("http://127.0.0.1:0", "key", nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := live.Watch(ctx, "assets", func(*Event) {}); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := live.Watch(ctx, "assets", func(*Event) {}); err == nil {
		t.Error("second Watch should fail while active")
	}
	cancel()
	live.Stop(context.Background())
}
