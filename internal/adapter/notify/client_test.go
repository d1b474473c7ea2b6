package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/alert"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, 2*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var testEmail = alert.Email{
	To:      []string{"a@example.com", "b@example.com"},
	Subject: "[CRITICAL] High Crowd Density Detected: 451 People",
	Body:    "Alert",
}

func emailBackend(t *testing.T, status int, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send-email", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req emailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a@example.com,b@example.com", req.To)
		assert.Equal(t, testEmail.Subject, req.Subject)

		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_SendEmail(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		response   string
		wantStatus string
		wantErr    string
	}{
		{"success", http.StatusOK, `{"status":"success"}`, alert.EmailSuccess, ""},
		{"simulated", http.StatusOK, `{"status":"simulated"}`, alert.EmailSimulated, ""},
		{"backend error", http.StatusInternalServerError, `{"status":"error","error":"SMTP auth failed"}`, "", "SMTP auth failed"},
		{"unknown status", http.StatusOK, `{"status":"queued"}`, "", `status "queued"`},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "", "decode email response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := emailBackend(t, tt.status, tt.response)

			got, err := testClient(srv.URL).SendEmail(context.Background(), testEmail)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got)
		})
	}
}

func TestClient_SendWebhook(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send-webhook", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(srv.URL+"/").SendWebhook(context.Background(), "https://hooks.example.com/x", "hello")

	require.NoError(t, err)
	assert.Equal(t, webhookRequest{URL: "https://hooks.example.com/x", Message: "hello"}, got)
}

func TestClient_SendWebhook_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid url"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).SendWebhook(context.Background(), "nope", "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testClient(url).SendEmail(context.Background(), testEmail)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/send-email request")
}
