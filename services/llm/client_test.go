package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendError_Classification(t *testing.T) {
	transient := transientErr("ollama", errors.New("status 503"))
	fatal := fatalErr("ollama", errors.New("connection refused"))

	assert.False(t, IsFatal(transient))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsFatal(errors.New("plain error")))

	// Wrapping must not hide the classification.
	wrapped := &BackendError{Backend: "x", Fatal: true, Err: errors.New("inner")}
	assert.True(t, IsFatal(wrapped))
	assert.Contains(t, fatal.Error(), "fatal")
	assert.Contains(t, transient.Error(), "transient")
}

func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","response":"const x = 1;","done":true}`))
	}))
	defer server.Close()

	t.Setenv("OLLAMA_BASE_URL", server.URL)
	t.Setenv("OLLAMA_MODEL", "m")

	client, err := NewOllamaClient()
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "write x", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "const x = 1;", out)
}

func TestOllamaClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	t.Setenv("OLLAMA_BASE_URL", server.URL)
	t.Setenv("OLLAMA_MODEL", "m")

	client, err := NewOllamaClient()
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "write x", GenerationParams{})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestOllamaClient_UnreachableIsFatal(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("OLLAMA_MODEL", "m")

	client, err := NewOllamaClient()
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "write x", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

// stubClient counts calls for pacing tests.
type stubClient struct {
	calls atomic.Int64
}

func (s *stubClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	s.calls.Add(1)
	return "const ok = true;", nil
}

func TestPacedClient_PassesThrough(t *testing.T) {
	stub := &stubClient{}
	paced := NewPacedClient(stub, 100, 1)

	out, err := paced.Generate(context.Background(), "p", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "const ok = true;", out)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestPacedClient_CancelledWaitIsTransient(t *testing.T) {
	stub := &stubClient{}
	// Zero sustained rate with burst 1: the second call would block forever.
	paced := NewPacedClient(stub, 0, 1)

	_, err := paced.Generate(context.Background(), "p", GenerationParams{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = paced.Generate(ctx, "p", GenerationParams{})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Equal(t, int64(1), stub.calls.Load())
}
