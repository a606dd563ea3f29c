package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"archive_server/core/domain"
	"archive_server/infra/middleware"
	"archive_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

const testSecret = "webhook-test-secret"

type fakeSyncer struct {
	mu gosync.Mutex

	syncedOne []string
	deleted   []string
	ticks     int
	inFlight  bool
	tickDone  chan struct{}

	resets      int
	resetCursor string
}

func (f *fakeSyncer) Tick(_ context.Context, _ string) error {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
	if f.tickDone != nil {
		close(f.tickDone)
	}
	return nil
}

func (f *fakeSyncer) SyncOne(_ context.Context, _, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncedOne = append(f.syncedOne, remoteID)
	return nil
}

func (f *fakeSyncer) MarkDeleted(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remoteID)
	return nil
}

func (f *fakeSyncer) Reset(_ context.Context, accountID, cursor string) (*domain.SyncCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.resetCursor = cursor
	return &domain.SyncCursor{AccountID: accountID, LastSyncToken: cursor}, nil
}

func (f *fakeSyncer) Status(_ context.Context) ([]*domain.SyncCursor, error) {
	return []*domain.SyncCursor{{AccountID: "acc-1", Status: domain.SyncStatusCompleted}}, nil
}

func (f *fakeSyncer) InFlight(_ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func newTestApp(engine Syncer) *fiber.App {
	logger.Init(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler})
	wh := NewWebhookHandler(engine, nil, testSecret, "acc-1")
	sh := NewSyncHandler(engine, "acc-1")
	app.Post("/webhook/:provider", wh.Handle)
	app.Post("/sync/trigger", sh.Trigger)
	app.Get("/sync/status", sh.Status)
	return app
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, app *fiber.App, body []byte, signature string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook/fastmail", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Signature", signature)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func eventBody(t *testing.T, event domain.ChangeEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhook_DeleteEventTombstones(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventEmailDeleted, AccountID: "acc-1", EmailID: "m42"})
	status := postWebhook(t, app, body, sign(body))

	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(engine.deleted) != 1 || engine.deleted[0] != "m42" {
		t.Errorf("deleted = %v, want [m42]", engine.deleted)
	}
	if len(engine.syncedOne) != 0 {
		t.Errorf("syncedOne = %v, want none", engine.syncedOne)
	}
}

func TestWebhook_ReceivedEventSyncsOne(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventEmailReceived, EmailID: "m7"})
	status := postWebhook(t, app, body, sign(body))

	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(engine.syncedOne) != 1 || engine.syncedOne[0] != "m7" {
		t.Errorf("syncedOne = %v, want [m7]", engine.syncedOne)
	}
}

func TestWebhook_MailboxUpdateTicksAsync(t *testing.T) {
	engine := &fakeSyncer{tickDone: make(chan struct{})}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventMailboxUpdate, MailboxID: "mb-1"})
	status := postWebhook(t, app, body, sign(body))

	if status != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	select {
	case <-engine.tickDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background tick never ran")
	}
}

func TestWebhook_BadSignatureRejectedWithoutSideEffects(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventEmailDeleted, EmailID: "m42"})

	tests := []struct {
		name      string
		signature string
	}{
		{"missing header", ""},
		{"wrong digest", "sha256=" + hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32))},
		{"wrong algorithm", "md5=deadbeef"},
		{"not hex", "sha256=zzzz"},
		{"signature of different body", sign([]byte(`{"type":"email.deleted","emailId":"other"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := postWebhook(t, app, body, tt.signature)
			if status != fiber.StatusUnauthorized {
				t.Errorf("status = %d, want 401", status)
			}
		})
	}
	if len(engine.deleted)+len(engine.syncedOne)+engine.ticks != 0 {
		t.Error("rejected deliveries must have no side effects")
	}
}

func TestWebhook_NoSecretFailsClosed(t *testing.T) {
	engine := &fakeSyncer{}
	logger.Init(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler})
	wh := NewWebhookHandler(engine, nil, "", "acc-1")
	app.Post("/webhook/:provider", wh.Handle)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventEmailDeleted, EmailID: "m1"})
	status := postWebhook(t, app, body, sign(body))
	if status != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no secret configured", status)
	}
}

func TestWebhook_UnknownTypeAcknowledged(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: "calendar.updated"})
	status := postWebhook(t, app, body, sign(body))
	if status != fiber.StatusOK {
		t.Errorf("status = %d, want 200 for unknown type", status)
	}
	if len(engine.syncedOne)+len(engine.deleted)+engine.ticks != 0 {
		t.Error("unknown types must not dispatch")
	}
}

func TestWebhook_EmailEventWithoutIDIsBadRequest(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	body := eventBody(t, domain.ChangeEvent{Type: domain.EventEmailReceived})
	status := postWebhook(t, app, body, sign(body))
	if status != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestSyncTrigger_ConflictWhenInFlight(t *testing.T) {
	engine := &fakeSyncer{inFlight: true}
	app := newTestApp(engine)

	req := httptest.NewRequest("POST", "/sync/trigger", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSyncTrigger_Accepted(t *testing.T) {
	engine := &fakeSyncer{tickDone: make(chan struct{})}
	app := newTestApp(engine)

	req := httptest.NewRequest("POST", "/sync/trigger", bytes.NewReader([]byte(`{"force":false}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-engine.tickDone:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered tick never ran")
	}
}

func TestSyncTrigger_ForceWithCursorPinsState(t *testing.T) {
	engine := &fakeSyncer{tickDone: make(chan struct{})}
	app := newTestApp(engine)

	body := []byte(`{"force":true,"cursor":"state-42"}`)
	req := httptest.NewRequest("POST", "/sync/trigger", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-engine.tickDone:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered tick never ran")
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.resets != 1 {
		t.Errorf("resets = %d, want 1", engine.resets)
	}
	if engine.resetCursor != "state-42" {
		t.Errorf("reset cursor = %q, want state-42", engine.resetCursor)
	}
}

func TestSyncStatus(t *testing.T) {
	engine := &fakeSyncer{}
	app := newTestApp(engine)

	req := httptest.NewRequest("GET", "/sync/status?account_id=acc-1", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/sync/status?account_id=nobody", nil)
	resp, err = app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown account", resp.StatusCode)
	}
}
