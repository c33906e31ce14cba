package llm

import (
	"context"
	"errors"
	"fmt"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any generation backend.
// The orchestrator treats the backend as an opaque capability: prompt in,
// candidate text out.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// BackendError classifies a generation backend failure.
//
// Transient failures (overload, 5xx, upstream rate limiting) are counted
// against the retry budget; fatal failures (backend unreachable, model
// missing, bad credentials) abort the loop immediately.
type BackendError struct {
	Backend string
	Fatal   bool
	Err     error
}

func (e *BackendError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s backend %s failure: %v", e.Backend, kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a fatal capability fault.
func IsFatal(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Fatal
}

func transientErr(backend string, err error) error {
	return &BackendError{Backend: backend, Err: err}
}

func fatalErr(backend string, err error) error {
	return &BackendError{Backend: backend, Fatal: true, Err: err}
}
