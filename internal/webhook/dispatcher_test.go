package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

func TestDispatchSignsAndPostsPayload(t *testing.T) {
	var (
		mu       sync.Mutex
		received Payload
		sig      string
		raw      []byte
	)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		raw = body
		sig = r.Header.Get("x-wa-hub-signature")
		_ = json.Unmarshal(body, &received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	d := New(Config{Secret: "shh", Timeout: 2 * time.Second}, logger)

	d.Dispatch(context.Background(), "inst-1", model.WebhookConfig{URL: srv.URL}, "ready", map[string]string{"state": "READY"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Event != "ready" || received.InstanceID != "inst-1" {
		t.Fatalf("unexpected payload: %+v", received)
	}

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(raw)
	want := hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature mismatch: got %s want %s", sig, want)
	}
}

func TestDispatchSkipsWhenURLEmptyOrEventFiltered(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	d := New(Config{}, logger)

	d.Dispatch(context.Background(), "inst-1", model.WebhookConfig{}, "ready", nil)
	d.Dispatch(context.Background(), "inst-1", model.WebhookConfig{URL: srv.URL, Events: map[string]bool{"qr": true}}, "ready", nil)

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("expected no request for an empty URL or a filtered-out event")
	}
}
