package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/driver/fake"
	"github.com/whatsapp-hub/supervisor/internal/registry"
	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/store/instances"
	"github.com/whatsapp-hub/supervisor/internal/systemmode"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any) {
}

func (noopDispatcher) DispatchTracked(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any, report func(statusCode int, err error)) {
}

func newTestHandler(t *testing.T, factory driver.Factory) *Handler {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	persist := instances.New(filepath.Join(dir, "instances.json"), logger)
	idem := idempotency.New(filepath.Join(dir, "idempotency.json"), logger)
	mode := systemmode.New(logger)

	mgr := registry.New(registry.Default(), logger, persist, idem, noopDispatcher{}, mode, factory, filepath.Join(dir, "auth"))
	return New(mgr, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateInstanceEndpointReturns201(t *testing.T) {
	h := newTestHandler(t, fake.Factory(fake.New()))
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/instances/", createInstanceRequest{
		ID: "inst-1", Name: "One", Webhook: webhookPatch{URL: "http://example.invalid/hook"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateInstanceEndpointRejectsMissingID(t *testing.T) {
	h := newTestHandler(t, fake.Factory(fake.New()))
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/instances/", createInstanceRequest{
		Webhook: webhookPatch{URL: "http://example.invalid/hook"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendMessageEndpointQueuesAndAccepts(t *testing.T) {
	sess := fake.New()
	h := newTestHandler(t, fake.Factory(sess))
	router := h.Router()

	doJSON(t, router, http.MethodPost, "/instances/", createInstanceRequest{
		ID: "inst-1", Name: "One", Webhook: webhookPatch{URL: "http://example.invalid/hook"},
	})

	c, _ := h.manager.Get("inst-1")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.State() != model.StateConnecting {
		time.Sleep(5 * time.Millisecond)
	}
	sess.Emit(driver.Event{Kind: driver.EventReady})
	for time.Now().Before(deadline) && c.State() != model.StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	rec := doJSON(t, router, http.MethodPost, "/instances/inst-1/client/action/send-message", sendMessageRequest{
		ChatID: "1234@c.us", Message: "hello",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
}

func TestSendMessageEndpointReturns200ForIdempotentSent(t *testing.T) {
	sess := fake.New()
	h := newTestHandler(t, fake.Factory(sess))
	router := h.Router()

	doJSON(t, router, http.MethodPost, "/instances/", createInstanceRequest{
		ID: "inst-1", Name: "One", Webhook: webhookPatch{URL: "http://example.invalid/hook"},
	})

	c, _ := h.manager.Get("inst-1")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.State() != model.StateConnecting {
		time.Sleep(5 * time.Millisecond)
	}
	sess.Emit(driver.Event{Kind: driver.EventReady})
	for time.Now().Before(deadline) && c.State() != model.StateReady {
		time.Sleep(5 * time.Millisecond)
	}

	body := sendMessageRequest{ChatID: "1234@c.us", Message: "hello", IdempotencyKey: "order:shop:1:confirm:v1"}
	rec := doJSON(t, router, http.MethodPost, "/instances/inst-1/client/action/send-message", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first send status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}

	sentDeadline := time.Now().Add(time.Second)
	for time.Now().Before(sentDeadline) {
		if rec, ok := h.manager.Get("inst-1"); ok && rec.QueueDepth() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec2 := doJSON(t, router, http.MethodPost, "/instances/inst-1/client/action/send-message", body)
	if rec2.Code != http.StatusOK {
		t.Fatalf("idempotent resend status = %d, want 200, body=%s", rec2.Code, rec2.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if idempotent, _ := resp["idempotent"].(bool); !idempotent {
		t.Fatalf("resend response = %v, want idempotent=true", resp)
	}
}

func TestGetStatusEndpointReturns404ForUnknownInstance(t *testing.T) {
	h := newTestHandler(t, fake.Factory(fake.New()))
	router := h.Router()

	rec := doJSON(t, router, http.MethodGet, "/instances/does-not-exist/client/status", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpointReportsInstanceCount(t *testing.T) {
	h := newTestHandler(t, fake.Factory(fake.New()))
	router := h.Router()

	doJSON(t, router, http.MethodPost, "/instances/", createInstanceRequest{
		ID: "inst-1", Name: "One", Webhook: webhookPatch{URL: "http://example.invalid/hook"},
	})

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if n, _ := body["instances"].(float64); n != 1 {
		t.Fatalf("instances = %v, want 1", body["instances"])
	}
}
