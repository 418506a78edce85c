package gateway_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/visionforge/internal/gateway"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestWS_StreamsTaskEvents(t *testing.T) {
	ts, _ := apiTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topics=task."
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the subscription before the
	// task produces events.
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, ts, "/api/tasks", submitBody("streamed"), "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	resp.Body.Close()

	sawStateChange := false
	for {
		var ev struct {
			Topic   string         `json:"topic"`
			Payload map[string]any `json:"payload"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read (saw state change: %v): %v", sawStateChange, err)
		}
		switch ev.Topic {
		case "task.state_changed":
			sawStateChange = true
		case "task.completed":
			if !sawStateChange {
				t.Fatal("completed event arrived without any state changes")
			}
			return
		case "task.failed":
			t.Fatalf("task failed: %v", ev.Payload)
		}
	}
}

func TestWS_RejectsBadToken(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.AuthToken = gatewayTestAuthToken
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
