package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/makeanote/api/internal/auth"
	"github.com/redis/go-redis/v9"
)

func whoami(c *fiber.Ctx) error {
	return c.SendString(Subject(c))
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware("secret")
	app := fiber.New()
	app.Get("/me", m.Authenticate(), whoami)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.LegacyClaims{
		UserID: "u42",
		Email:  "a@b.c",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"bad scheme", "Token " + token, fiber.StatusUnauthorized},
		{"bad token", "Bearer nope", fiber.StatusUnauthorized},
		{"valid", "Bearer " + token, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)

	req := httptest.NewRequest("GET", "/me", nil)
	resp, _ := app.Test(req, -1)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("missing header: status = %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "u7")
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("with header: status = %d", resp.StatusCode)
	}
}

func TestRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	rl := NewRateLimiter(rdb)
	app := fiber.New()
	app.Get("/x", rl.OutlineLimit(1), whoami)

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/x", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
	}
}

func TestRateLimiter_ZeroDisables(t *testing.T) {
	rl := NewRateLimiter(nil)
	app := fiber.New()
	app.Get("/x", rl.ImageLimit(0), whoami)

	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
