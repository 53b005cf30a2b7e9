package progress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, serverURL, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsFilteredEvents(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	filtered := dialHub(t, srv.URL, "videoId=video-b")
	all := dialHub(t, srv.URL, "")
	waitFor(t, time.Second, func() bool { return hub.Subscribers() == 2 })

	hub.Publish(Event{VideoID: "video-a", Profile: "SD_360", State: StateRunning, Percent: 42})
	hub.Publish(Event{VideoID: "video-b", Profile: "HD_720", State: StateSucceeded, Percent: 100})

	readEvent := func(conn *websocket.Conn) Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != "progress" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		return msg.Data
	}

	if got := readEvent(all); got.VideoID != "video-a" {
		t.Fatalf("expected video-a first on unfiltered subscription, got %+v", got)
	}
	if got := readEvent(all); got.VideoID != "video-b" {
		t.Fatalf("expected video-b second on unfiltered subscription, got %+v", got)
	}
	if got := readEvent(filtered); got.VideoID != "video-b" || got.State != StateSucceeded {
		t.Fatalf("filtered subscription received %+v", got)
	}
}

func TestHubPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub(nil, nil)
	for i := 0; i < 1000; i++ {
		hub.Publish(Event{VideoID: "v"})
	}
}

func TestHubRejectsDisallowedOrigins(t *testing.T) {
	allowed := func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "https://player.example.com"
	}
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), allowed)
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.net")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to be refused for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v (%v)", resp, err)
	}

	header.Set("Origin", "https://player.example.com")
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	conn.Close()
}

func TestHubDefaultsToSameOrigin(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	header := http.Header{}
	header.Set("Origin", "https://elsewhere.example.org")
	if conn, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		conn.Close()
		t.Fatal("expected cross-origin upgrade to be refused")
	}

	header.Set("Origin", srv.URL)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}
