package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// PacedClient wraps a backend with a token-bucket limiter so concurrent
// retry loops cannot stampede the upstream model server.
//
// The wait respects ctx; a cancelled wait surfaces as a transient failure
// since the backend itself was never consulted.
type PacedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewPacedClient wraps inner with the given sustained rate and burst.
func NewPacedClient(inner Client, rps float64, burst int) *PacedClient {
	if burst < 1 {
		burst = 1
	}
	return &PacedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate implements the Client interface.
func (p *PacedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", transientErr("paced", fmt.Errorf("pacing wait aborted: %w", err))
	}
	return p.inner.Generate(ctx, prompt, params)
}
