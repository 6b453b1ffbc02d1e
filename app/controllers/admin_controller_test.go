package controllers

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventspay/payverif/internal/pkg/paystore"
)

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]any) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return resp.StatusCode, decodeBody(t, resp)
}

func TestHandleAdminHealthUp(t *testing.T) {
	app, st, _, _ := newTestApp(t)
	require.NoError(t, st.WriteHeartbeat(context.Background(), time.Minute))

	code, body := getJSON(t, app, "/api/admin/health")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, paystore.HeartbeatKey, body["key"])
	assert.NotNil(t, body["dependencies"])
	assert.NotNil(t, body["lastHeartbeat"])
}

func TestHandleAdminHealthDownWithoutHeartbeat(t *testing.T) {
	app, _, _, _ := newTestApp(t)

	code, body := getJSON(t, app, "/api/admin/health")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "DOWN", body["status"])
	assert.NotEmpty(t, body["reason"])
}

func TestHandleAdminHealthStale(t *testing.T) {
	app, st, mr, _ := newTestApp(t)
	require.NoError(t, st.WriteHeartbeat(context.Background(), time.Hour))

	// age the heartbeat past the default threshold
	old := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, mr.Set(paystore.HeartbeatKey, old))

	code, body := getJSON(t, app, "/api/admin/health")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "STALE", body["status"])

	// a generous threshold flips the same heartbeat back to UP
	code, body = getJSON(t, app, "/api/admin/health?maxAgeSeconds=3600")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "UP", body["status"])
}

func TestHandleAdminHealthInvalidTimestamp(t *testing.T) {
	app, _, mr, _ := newTestApp(t)
	require.NoError(t, mr.Set(paystore.HeartbeatKey, "not-a-timestamp"))

	code, body := getJSON(t, app, "/api/admin/health")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "DOWN", body["status"])
}

func TestHandleAdminHealthStoreDown(t *testing.T) {
	app, _, mr, _ := newTestApp(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")
	defer mr.SetError("")

	// the health surface must degrade to a status, never to an HTTP error
	code, body := getJSON(t, app, "/api/admin/health")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "DOWN", body["status"])
}

func TestHandleAdminActive(t *testing.T) {
	app, st, _, _ := newTestApp(t)
	fact := claimTestPayment(t, st)

	code, body := getJSON(t, app, "/api/admin/active")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, float64(1), body["found"])

	payments, ok := body["payments"].([]any)
	require.True(t, ok)
	require.Len(t, payments, 1)
	entry := payments[0].(map[string]any)
	assert.Equal(t, fact.PaymentID, entry["paymentId"])
	assert.Equal(t, "received", entry["status"])

	// consumed payments disappear from the active listing
	_, err := st.ConsumeByIdentity(context.Background(), fact.PayerEmail, fact.Amount)
	require.NoError(t, err)

	code, body = getJSON(t, app, "/api/admin/active")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, float64(0), body["found"])
}

func TestHandleAdminProcessed(t *testing.T) {
	app, st, _, _ := newTestApp(t)
	fact := claimTestPayment(t, st)

	code, body := getJSON(t, app, "/api/admin/processed")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, float64(1), body["found"])

	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, paystore.ProcessedKey(fact.MessageID), entry["key"])

	pay, ok := entry["payment"].(map[string]any)
	require.True(t, ok, "processed marker should join to its business record")
	assert.Equal(t, fact.PaymentID, pay["paymentId"])
}

func TestHandleAdminSweep(t *testing.T) {
	app, _, _, sw := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/api/admin/sweep", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, sw.runs)
}
