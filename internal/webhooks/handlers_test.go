package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tierpass/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	holder = "0x00000000000000000000000000000000000000A1"
	other  = "0x00000000000000000000000000000000000000b2"
)

func setupHandlerTest(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store)

	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(auth.AllowUnsigned())))
	v1 := r.Group("/v1")
	v1.Use(auth.RequireCaller())
	h.RegisterRoutes(v1)
	return r, store
}

func do(r *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.HeaderCaller, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, store := setupHandlerTest(t)

	w := do(r, "POST", "/v1/webhooks", holder, gin.H{
		"url":    "https://example.com/hook",
		"events": []string{"Mint", " Lapsed ", ""},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, []string{"Mint", "Lapsed"}, created.Webhook.Events)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	stored, err := store.Get(context.Background(), created.Webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = do(r, "GET", "/v1/webhooks", holder, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.NotContains(t, w.Body.String(), created.Secret)

	w = do(r, "GET", "/v1/webhooks", other, nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	// Someone else's webhook looks like it does not exist.
	w = do(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, holder, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, "DELETE", "/v1/webhooks/"+created.Webhook.ID, holder, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupHandlerTest(t)

	tests := []struct {
		name string
		body any
		code int
		err  string
	}{
		{"missing url", gin.H{"events": []string{"Mint"}}, http.StatusBadRequest, "invalid_request"},
		{"bad scheme", gin.H{"url": "ftp://example.com"}, http.StatusBadRequest, "invalid_url"},
		{"loopback", gin.H{"url": "http://127.0.0.1/hook"}, http.StatusBadRequest, "invalid_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "POST", "/v1/webhooks", holder, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err)
		})
	}
}

func TestHandler_LimitPerOwner(t *testing.T) {
	r, _ := setupHandlerTest(t)

	for i := 0; i < MaxWebhooksPerOwner; i++ {
		w := do(r, "POST", "/v1/webhooks", holder, gin.H{"url": "https://example.com/hook"})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := do(r, "POST", "/v1/webhooks", holder, gin.H{"url": "https://example.com/hook"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_RequiresCaller(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := do(r, "GET", "/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
