package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatrelay-backend/database"
	"chatrelay-backend/middlewares"
	"chatrelay-backend/models"
	"chatrelay-backend/webhooks"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := testDB.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := testDB.AutoMigrate(
		&models.User{}, &models.Integration{}, &models.InboundEvent{}, &models.Job{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := database.MigrateIndexes(testDB); err != nil {
		t.Fatalf("indexes: %v", err)
	}

	Setup(testDB)

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	app.Post("/webhooks/inbound/:integrationPublicId", ReceiveWebhook)
	return app, testDB
}

func seedIntegration(t *testing.T, testDB *gorm.DB, authMode string) models.Integration {
	t.Helper()
	integration := models.Integration{
		TenantId: "t1",
		Provider: "evolution",
		AuthMode: authMode,
		Secret:   "super-secret-value",
		Active:   true,
	}
	if err := testDB.Create(&integration).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return integration
}

func postWebhook(t *testing.T, app *fiber.App, url string, body []byte, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

var contentBody = []byte(`{
	"event": "messages.upsert",
	"instance": "acct-1",
	"data": {"key": {"id": "m1", "remoteJid": "c1@s.whatsapp.net"}}
}`)

func TestWebhookAdmissionHappyPath(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)

	status, out := postWebhook(t, app, "/webhooks/inbound/"+integration.PublicId, contentBody,
		map[string]string{"X-Webhook-Secret": "super-secret-value"})

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out["received"] != true {
		t.Fatalf("received missing: %v", out)
	}
	if out["jobId"] == nil || out["correlationId"] == nil {
		t.Fatalf("admission response incomplete: %v", out)
	}
	if out["provider"] != "evolution" || out["integrationId"] != integration.PublicId {
		t.Fatalf("admission response mislabeled: %v", out)
	}

	var eventCount, jobCount int64
	testDB.Model(&models.InboundEvent{}).Count(&eventCount)
	testDB.Model(&models.Job{}).Count(&jobCount)
	if eventCount != 1 || jobCount != 1 {
		t.Fatalf("events=%d jobs=%d, want 1/1", eventCount, jobCount)
	}

	var job models.Job
	testDB.First(&job)
	if job.ContactId == nil || *job.ContactId != "c1@s.whatsapp.net" {
		t.Fatalf("job contact affinity = %v", job.ContactId)
	}
}

// Scenario A over HTTP: the retried delivery is acknowledged as a
// duplicate and no second job is enqueued.
func TestWebhookDuplicateDelivery(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)
	headers := map[string]string{"X-Webhook-Secret": "super-secret-value"}
	url := "/webhooks/inbound/" + integration.PublicId

	_, first := postWebhook(t, app, url, contentBody, headers)
	if first["jobId"] == nil {
		t.Fatalf("first delivery not admitted: %v", first)
	}

	status, second := postWebhook(t, app, url, contentBody, headers)
	if status != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", status)
	}
	if second["duplicate"] != true {
		t.Fatalf("duplicate not flagged: %v", second)
	}
	if second["jobId"] != nil {
		t.Fatalf("duplicate produced a job: %v", second)
	}

	var eventCount, jobCount int64
	testDB.Model(&models.InboundEvent{}).Count(&eventCount)
	testDB.Model(&models.Job{}).Count(&jobCount)
	if eventCount != 1 || jobCount != 1 {
		t.Fatalf("events=%d jobs=%d after duplicate, want 1/1", eventCount, jobCount)
	}
}

// Scenario E: wrong shared secret still answers 200, but nothing is
// staged.
func TestWebhookWrongSecret(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)

	status, out := postWebhook(t, app, "/webhooks/inbound/"+integration.PublicId, contentBody,
		map[string]string{"X-Webhook-Secret": "wrong"})

	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (non-2xx triggers provider retry storms)", status)
	}
	if out["received"] != true || out["valid"] != false {
		t.Fatalf("rejection not encoded in body: %v", out)
	}

	var count int64
	testDB.Model(&models.InboundEvent{}).Count(&count)
	if count != 0 {
		t.Fatalf("unauthenticated delivery was staged: %d rows", count)
	}
}

func TestWebhookUnknownIntegration(t *testing.T) {
	app, testDB := newTestApp(t)

	status, out := postWebhook(t, app, "/webhooks/inbound/no-such-id", contentBody, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out["valid"] != false {
		t.Fatalf("unknown integration not rejected: %v", out)
	}

	var count int64
	testDB.Model(&models.InboundEvent{}).Count(&count)
	if count != 0 {
		t.Fatal("unknown integration delivery was staged")
	}
}

func TestWebhookInactiveIntegration(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)
	testDB.Model(&integration).Update("active", false)

	_, out := postWebhook(t, app, "/webhooks/inbound/"+integration.PublicId, contentBody,
		map[string]string{"X-Webhook-Secret": "super-secret-value"})
	if out["valid"] != false {
		t.Fatalf("inactive integration admitted: %v", out)
	}
}

func TestWebhookQueryTokenMode(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeQueryToken)

	_, out := postWebhook(t, app,
		"/webhooks/inbound/"+integration.PublicId+"?token=super-secret-value", contentBody, nil)
	if out["jobId"] == nil {
		t.Fatalf("token mode rejected a valid call: %v", out)
	}
}

func TestWebhookHMACMode(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeHMAC)
	url := "/webhooks/inbound/" + integration.PublicId

	sig := webhooks.SignHex("super-secret-value", contentBody)
	_, out := postWebhook(t, app, url, contentBody,
		map[string]string{"X-Webhook-Signature": "sha256=" + sig})
	if out["jobId"] == nil {
		t.Fatalf("hmac mode rejected a valid call: %v", out)
	}

	_, bad := postWebhook(t, app, url, contentBody,
		map[string]string{"X-Webhook-Signature": "sha256=deadbeef"})
	if bad["valid"] != false {
		t.Fatalf("hmac mode admitted a bad signature: %v", bad)
	}
}

func TestWebhookUnparseableBody(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)

	status, out := postWebhook(t, app, "/webhooks/inbound/"+integration.PublicId,
		[]byte("not json at all"), map[string]string{"X-Webhook-Secret": "super-secret-value"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out["valid"] != false {
		t.Fatalf("garbage body admitted: %v", out)
	}

	var count int64
	testDB.Model(&models.InboundEvent{}).Count(&count)
	if count != 0 {
		t.Fatal("unparseable delivery was staged")
	}
}

func TestWebhookLifecycleEventWindowDedup(t *testing.T) {
	app, testDB := newTestApp(t)
	integration := seedIntegration(t, testDB, models.AuthModeSecretHeader)
	headers := map[string]string{"X-Webhook-Secret": "super-secret-value"}
	url := "/webhooks/inbound/" + integration.PublicId
	lifecycle := []byte(`{"event":"connection.update","instance":"acct-1","data":{"state":"open"}}`)

	_, first := postWebhook(t, app, url, lifecycle, headers)
	if first["jobId"] == nil {
		t.Fatalf("lifecycle event not admitted: %v", first)
	}
	// rapid repeat inside the token window collapses into the same event
	_, second := postWebhook(t, app, url, lifecycle, headers)
	if second["duplicate"] != true {
		t.Fatalf("repeated lifecycle notification not deduplicated: %v", second)
	}
}
