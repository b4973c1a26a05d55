package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"outreach/config"
	"outreach/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
}

func token(t *testing.T, orgID uint, role string) string {
	t.Helper()
	tok, err := utils.GenerateJWTToken(1, orgID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func protectedApp() *fiber.App {
	app := fiber.New()
	perms := DefaultRolePermissions()
	handler := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"org": OrgID(c)})
	}
	app.Get("/read", Protected(), Require(perms, ActionRead), handler)
	app.Post("/senders", Protected(), Require(perms, ActionManageSender), handler)
	return app
}

func TestProtected(t *testing.T) {
	app := protectedApp()

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"bad format", "Token abc", fiber.StatusUnauthorized},
		{"garbage", "Bearer abc", fiber.StatusUnauthorized},
		{"valid", token(t, 7, "viewer"), fiber.StatusOK},
		{"no organization", token(t, 0, "owner"), fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/read", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRequireChecksRole(t *testing.T) {
	app := protectedApp()

	for role, want := range map[string]int{
		"owner":  fiber.StatusOK,
		"admin":  fiber.StatusOK,
		"member": fiber.StatusForbidden,
		"viewer": fiber.StatusForbidden,
		"":       fiber.StatusForbidden,
	} {
		req := httptest.NewRequest("POST", "/senders", nil)
		req.Header.Set("Authorization", token(t, 3, role))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, "role %q", role)
	}
}

func TestRolePermissions(t *testing.T) {
	p := DefaultRolePermissions()
	assert.False(t, p.Allowed(nil, ActionRead))
	assert.True(t, p.Allowed(&utils.Claims{Role: "member"}, ActionEnroll))
	assert.False(t, p.Allowed(&utils.Claims{Role: "viewer"}, ActionEnroll))
	assert.False(t, p.Allowed(&utils.Claims{Role: "stranger"}, ActionRead))
}

func TestCronAuth(t *testing.T) {
	app := fiber.New()
	app.Post("/tick", CronAuth("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	open := fiber.New()
	open.Post("/tick", CronAuth(""), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	for _, tt := range []struct {
		app    *fiber.App
		auth   string
		status int
	}{
		{app, "Bearer s3cret", fiber.StatusNoContent},
		{app, "Bearer wrong", fiber.StatusUnauthorized},
		{app, "", fiber.StatusUnauthorized},
		{open, "Bearer ", fiber.StatusUnauthorized},
	} {
		req := httptest.NewRequest("POST", "/tick", nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		resp, err := tt.app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, tt.status, resp.StatusCode)
	}
}

func TestTrackingRateLimiterWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	newApp := func() *fiber.App {
		app := fiber.New()
		app.Get("/track/open/:id", TrackingRateLimiter("track", 2, client), func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusOK)
		})
		return app
	}
	// two instances share the window through redis
	a, b := newApp(), newApp()

	status := func(app *fiber.App) int {
		resp, err := app.Test(httptest.NewRequest("GET", "/track/open/x", nil))
		require.NoError(t, err)
		return resp.StatusCode
	}
	assert.Equal(t, fiber.StatusOK, status(a))
	assert.Equal(t, fiber.StatusOK, status(b))
	assert.Equal(t, fiber.StatusTooManyRequests, status(a))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	require.NoError(t, NewRedisStorage(client).Reset())
	assert.Empty(t, mr.Keys())
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}))
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
