package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/synapse-api/internal/utils"
)

func newTestApp(t *testing.T, jwtService *utils.JWTService, limiter *RateLimiter) *fiber.App {
	t.Helper()
	app := fiber.New()
	group := app.Group("/users", AuthMiddleware(jwtService))
	group.Get("/:userId", RequireOwner("userId", func(c fiber.Ctx) error {
		return c.SendString(CurrentUserID(c))
	}))
	if limiter != nil {
		group.Post("/", RateLimit(limiter, func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusCreated)
		}))
	}
	return app
}

func bearer(t *testing.T, jwtService *utils.JWTService, userID string) string {
	t.Helper()
	token, err := jwtService.GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	app := newTestApp(t, jwtService, nil)
	userID := uuid.NewString()

	tests := []struct {
		name   string
		header string
		path   string
		status int
	}{
		{name: "missing header", header: "", path: "/users/" + userID, status: fiber.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", path: "/users/" + userID, status: fiber.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", path: "/users/" + userID, status: fiber.StatusUnauthorized},
		{name: "non uuid subject", header: bearer(t, jwtService, "admin"), path: "/users/admin", status: fiber.StatusUnauthorized},
		{name: "other user", header: bearer(t, jwtService, userID), path: "/users/" + uuid.NewString(), status: fiber.StatusForbidden},
		{name: "owner", header: bearer(t, jwtService, userID), path: "/users/" + userID, status: fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			if tt.status == fiber.StatusOK {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, userID, string(body))
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	jwtService := utils.NewJWTService("secret")
	limiter := NewRateLimiter(0.001, 2, time.Minute)
	t.Cleanup(limiter.Shutdown)
	app := newTestApp(t, jwtService, limiter)

	alice := bearer(t, jwtService, uuid.NewString())
	bob := bearer(t, jwtService, uuid.NewString())

	post := func(auth string) int {
		req := httptest.NewRequest(http.MethodPost, "/users/", nil)
		req.Header.Set("Authorization", auth)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusCreated, post(alice))
	assert.Equal(t, fiber.StatusCreated, post(alice))
	assert.Equal(t, fiber.StatusTooManyRequests, post(alice))

	// Лимит считается отдельно для каждого пользователя
	assert.Equal(t, fiber.StatusCreated, post(bob))
}

func TestRateLimiter_EvictIdle(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1, time.Minute)
	t.Cleanup(limiter.Shutdown)

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))

	limiter.evictIdle(time.Now())
	assert.Len(t, limiter.m, 2)

	// Через ttl ограничитель забыт, и лимит начинается заново
	limiter.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Empty(t, limiter.m)
	assert.True(t, limiter.Allow("a"))
}
