package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestHeadersMiddleware(t *testing.T) {
	for _, dev := range []bool{true, false} {
		app := fiber.New()
		app.Use(HeadersMiddleware(HeadersConfig{IsDevelopment: dev}))
		app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

		resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("X-Content-Type-Options = %q", got)
		}
		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Fatalf("Cache-Control = %q", got)
		}
		hsts := resp.Header.Get("Strict-Transport-Security")
		if dev && hsts != "" {
			t.Fatalf("HSTS set in development")
		}
		if !dev && hsts == "" {
			t.Fatalf("HSTS missing in production")
		}
	}
}
