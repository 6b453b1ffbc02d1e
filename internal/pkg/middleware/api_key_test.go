package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuardedApp() *fiber.App {
	app := fiber.New()
	app.Get("/admin", APIKeyAuthMiddleware(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestAPIKeyAuthDisabledWithoutKey(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "")
	app := newGuardedApp()

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/admin", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("ADMIN_API_KEY", "sekrit")
	app := newGuardedApp()

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"wrong", "X-API-Key", "nope", fiber.StatusUnauthorized},
		{"valid header", "X-API-Key", "sekrit", fiber.StatusOK},
		{"valid bearer", fiber.HeaderAuthorization, "Bearer sekrit", fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
