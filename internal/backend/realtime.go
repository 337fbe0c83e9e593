package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiggy606/amazon-clone/internal/logging"
)

// Event is a change notification for a watched collection.
type Event struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// EventHandler receives change notifications. Delivery is at-least-once.
type EventHandler func(event *Event)

// LiveClient maintains a realtime websocket subscription to a backend
// collection. Its lifetime is session-scoped: Stop tears the connection
// down so subscriptions never outlive the session that opened them.
type LiveClient struct {
	wsURL  string
	log    *logging.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	ref     int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLiveClient creates a realtime client for the backend at baseURL.
func NewLiveClient(baseURL, apiKey string, log *logging.Logger) *LiveClient {
	wsURL := baseURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[len("https"):]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey

	if log == nil {
		log = logging.NewDefault("backend-realtime")
	}

	return &LiveClient{
		wsURL:  wsURL,
		log:    log,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Watch subscribes to update events on the named collection and invokes
// handler for each one. The subscription reconnects with exponential
// backoff on failure and runs until Stop is called or ctx is done.
func (l *LiveClient) Watch(ctx context.Context, collection string, handler EventHandler) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("already watching")
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.watchLoop(runCtx, collection, handler)
	}()

	return nil
}

// Stop tears down the subscription and waits for the watch loop to exit.
func (l *LiveClient) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.cancel = nil
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	initialReconnectBackoff = 500 * time.Millisecond
	maxReconnectBackoff     = 30 * time.Second
	reconnectJitter         = 0.1
)

func (l *LiveClient) watchLoop(ctx context.Context, collection string, handler EventHandler) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := l.watchOnce(ctx, collection, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.WithError(err).Warnf("realtime subscription for %s dropped", collection)
		}

		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff(attempt)):
		}
	}
}

// reconnectBackoff returns the exponential backoff with jitter for the
// given attempt number (1-based).
func reconnectBackoff(attempt int) time.Duration {
	backoff := float64(initialReconnectBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxReconnectBackoff) {
		backoff = float64(maxReconnectBackoff)
	}
	backoff += backoff * reconnectJitter * (rand.Float64()*2 - 1)
	return time.Duration(backoff)
}

func (l *LiveClient) watchOnce(ctx context.Context, collection string, handler EventHandler) error {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		conn.Close()
	}()

	topic := "realtime:public:" + collection
	if err := l.send(conn, topic, "phx_join"); err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	l.log.Infof("watching %s", collection)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go l.heartbeat(heartbeatCtx, conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Topic != topic || event.Event == "phx_reply" || event.Event == "heartbeat" {
			continue
		}
		handler(&event)
	}
}

func (l *LiveClient) send(conn *websocket.Conn, topic, event string) error {
	l.mu.Lock()
	l.ref++
	ref := fmt.Sprintf("%d", l.ref)
	l.mu.Unlock()

	return conn.WriteJSON(map[string]any{
		"topic":   topic,
		"event":   event,
		"payload": map[string]any{},
		"ref":     ref,
	})
}

func (l *LiveClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.send(conn, "phoenix", "heartbeat"); err != nil {
				return
			}
		}
	}
}
