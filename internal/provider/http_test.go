package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var answerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"answer": {"type": "string"}
	},
	"required": ["answer"]
}`)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	return c, srv
}

func TestCompleteValidResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/complete", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "say hi", body["instructions"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer": "hi"}`))
	})

	raw, err := c.Complete(context.Background(), Request{
		Operation:    "classify",
		Instructions: "say hi",
		Schema:       answerSchema,
	})
	require.NoError(t, err)

	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hi", out.Answer)
}

func TestCompleteSchemaInvalidIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": 42}`))
	})

	_, err := c.Complete(context.Background(), Request{
		Operation: "classify",
		Schema:    answerSchema,
	})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestComplete5xxIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), Request{Operation: "research", Schema: answerSchema})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Status)
}

func TestComplete4xxIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), Request{Operation: "classify", Schema: answerSchema})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestCompleteConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: url, Timeout: time.Second}, zaptest.NewLogger(t))
	_, err := c.Complete(context.Background(), Request{Operation: "classify", Schema: answerSchema})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCompleteEmptySchemaSkipsValidation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"anything": true}`))
	})

	raw, err := c.Complete(context.Background(), Request{Operation: "classify"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"anything": true}`, string(raw))
}
