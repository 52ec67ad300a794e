package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownServices = []string{"user-authentication-service", "payment-processing-service", "api-gateway-service"}

func geminiServer(t *testing.T, modelText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": modelText}},
				}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestGeminiClassifyStrictJSON(t *testing.T) {
	srv := geminiServer(t, `{"services":[
		{"name":"payment-processing-service","score":0.91,"reason":"billing verbs"},
		{"name":"unknown-service","score":0.99,"reason":"dropped"},
		{"name":"api-gateway-service","score":1.7,"reason":"clamped"}
	]}`)
	defer srv.Close()

	c := NewGeminiClassifier("test-key", "gemini-1.5-flash", nil, nil)
	c.SetBaseURL(srv.URL)

	scores, err := c.Classify(context.Background(), "refund my invoice", knownServices)
	require.NoError(t, err)

	assert.Equal(t, 0.91, scores["payment-processing-service"])
	assert.Equal(t, 1.0, scores["api-gateway-service"])
	_, hasUnknown := scores["unknown-service"]
	assert.False(t, hasUnknown, "unknown service names must be dropped")
}

func TestGeminiClassifyEmbeddedJSON(t *testing.T) {
	srv := geminiServer(t, "Here is my answer:\n"+
		`{"services":[{"name":"user-authentication-service","score":0.8,"reason":"login"}]}`+
		"\nHope that helps.")
	defer srv.Close()

	c := NewGeminiClassifier("test-key", "", nil, nil)
	c.SetBaseURL(srv.URL)

	scores, err := c.Classify(context.Background(), "reset password", knownServices)
	require.NoError(t, err)
	assert.Equal(t, 0.8, scores["user-authentication-service"])
}

func TestGeminiClassifyNoKnownServices(t *testing.T) {
	srv := geminiServer(t, `{"services":[{"name":"nope","score":0.5,"reason":"x"}]}`)
	defer srv.Close()

	c := NewGeminiClassifier("test-key", "", nil, nil)
	c.SetBaseURL(srv.URL)

	_, err := c.Classify(context.Background(), "hello", knownServices)
	assert.Error(t, err)
}

func TestGeminiClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewGeminiClassifier("test-key", "", nil, nil)
	c.SetBaseURL(srv.URL)

	_, err := c.Classify(context.Background(), "hello", knownServices)
	assert.Error(t, err)
}

func TestGeminiMissingAPIKey(t *testing.T) {
	c := NewGeminiClassifier("", "", nil, nil)
	_, err := c.Classify(context.Background(), "hello", knownServices)
	assert.Error(t, err)
}

func TestGeminiModelID(t *testing.T) {
	c := NewGeminiClassifier("k", "gemini-1.5-pro", nil, nil)
	assert.Equal(t, "gemini:gemini-1.5-pro", c.ModelID())
}
