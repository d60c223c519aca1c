package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		cfg      HeadersConfig
		wantCSP  string
		wantHSTS bool
	}{
		{
			name:     "production",
			cfg:      HeadersConfig{AllowedOrigins: []string{"https://connect3.app", "*"}},
			wantCSP:  "connect-src 'self' https://connect3.app;",
			wantHSTS: true,
		},
		{
			name:    "development",
			cfg:     HeadersConfig{IsDevelopment: true},
			wantCSP: "connect-src 'self';",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(HeadersMiddleware(tt.cfg))
			app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
			require.NoError(t, err)

			assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
			assert.Contains(t, resp.Header.Get("Content-Security-Policy"), tt.wantCSP)
			assert.Equal(t, tt.wantHSTS, resp.Header.Get("Strict-Transport-Security") != "")
		})
	}
}
