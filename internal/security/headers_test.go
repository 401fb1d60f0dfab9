package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Cache-Control":           "no-store",
	}

	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		allowedOrigins []string
		requestOrigin  string
		expectHeader   bool
	}{
		{
			name:           "allowed origin",
			allowedOrigins: []string{"https://example.com"},
			requestOrigin:  "https://example.com",
			expectHeader:   true,
		},
		{
			name:           "wildcard allows all",
			allowedOrigins: []string{"*"},
			requestOrigin:  "https://anything.com",
			expectHeader:   true,
		},
		{
			name:           "disallowed origin",
			allowedOrigins: []string{"https://example.com"},
			requestOrigin:  "https://evil.com",
			expectHeader:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowedOrigins))
			router.GET("/test", func(c *gin.Context) {
				c.String(200, "ok")
			})

			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			hasHeader := w.Header().Get("Access-Control-Allow-Origin") != ""
			if hasHeader != tc.expectHeader {
				t.Errorf("CORS header present = %v, want %v", hasHeader, tc.expectHeader)
			}
			if w.Header().Get("Access-Control-Allow-Credentials") != "" {
				t.Error("credentials must never be allowed")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}

	allowed := w.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"X-Caller", "X-Timestamp", "X-Signature"} {
		if !strings.Contains(allowed, h) {
			t.Errorf("Access-Control-Allow-Headers missing %s: %q", h, allowed)
		}
	}
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/hook", true},
		{"http://93.184.216.34/hook", true},
		{"ftp://example.com", false},
		{"https://localhost/hook", false},
		{"https://metadata.google.internal/computeMetadata", false},
		{"http://127.0.0.1:8080", false},
		{"http://10.0.0.5/hook", false},
		{"http://169.254.169.254/latest", false},
		{"http://[::1]/hook", false},
		{"http://0.0.0.0/", false},
		{"https://", false},
		{"::bad", false},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrBlockedEndpoint) {
			t.Errorf("%s: expected ErrBlockedEndpoint, got %v", tt.url, err)
		}
	}
}

func TestCheckResolved_IPLiteral(t *testing.T) {
	if err := CheckResolved(context.Background(), "http://93.184.216.34/hook"); err != nil {
		t.Errorf("public literal should pass without DNS: %v", err)
	}
	if err := CheckResolved(context.Background(), "http://192.168.1.10/hook"); !errors.Is(err, ErrBlockedEndpoint) {
		t.Errorf("expected ErrBlockedEndpoint, got %v", err)
	}
}
