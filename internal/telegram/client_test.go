package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const okMessage = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`

// fakeBotServer answers getMe and counts send calls. The first failSends calls fail.
func fakeBotServer(t *testing.T, failSends int32) (*httptest.Server, *int32, *atomic.Value) {
	t.Helper()
	var calls int32
	var lastPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"perpwatch","username":"perpwatch_bot"}}`))
			return
		}
		lastPath.Store(r.URL.Path)
		n := atomic.AddInt32(&calls, 1)
		if n <= failSends {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
			return
		}
		_, _ = w.Write([]byte(okMessage))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &lastPath
}

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	t.Helper()
	c, err := newClient("TOKEN", "42", srv.URL+"/bot%s/%s", retries, time.Millisecond)
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	return c
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestSendText_RetriesThenSucceeds(t *testing.T) {
	srv, calls, lastPath := fakeBotServer(t, 2)
	c := newTestClient(t, srv, 3)

	if err := c.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("send calls = %d, want 3", got)
	}
	if p, _ := lastPath.Load().(string); !strings.HasSuffix(p, "/sendMessage") {
		t.Errorf("last path = %q", p)
	}
}

func TestSendText_GivesUp(t *testing.T) {
	srv, calls, _ := fakeBotServer(t, 100)
	c := newTestClient(t, srv, 2)

	if err := c.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("send calls = %d, want 2", got)
	}
}

func TestSendPhoto(t *testing.T) {
	srv, _, lastPath := fakeBotServer(t, 0)
	c := newTestClient(t, srv, 1)

	if err := c.SendPhoto(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "chart"); err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if p, _ := lastPath.Load().(string); !strings.HasSuffix(p, "/sendPhoto") {
		t.Errorf("last path = %q", p)
	}

	long := strings.Repeat("x", MaxCaptionLength+1)
	if err := c.SendPhoto(context.Background(), nil, long); !errors.Is(err, ErrCaptionTooLong) {
		t.Errorf("SendPhoto() error = %v, want ErrCaptionTooLong", err)
	}
}
