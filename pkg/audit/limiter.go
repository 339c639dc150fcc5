package audit

import (
	"context"

	"golang.org/x/time/rate"
)

// LimitedChain wraps a Chain with an append-rate limiter so a burst of
// writers cannot starve the serializing tail lock indefinitely. It
// rejects fast with ErrChainBusy rather than queuing unboundedly, per
// SPEC_FULL.md §4.4's backpressure requirement; Get/Head/VerifyChain
// pass through unlimited since they are read paths.
type LimitedChain struct {
	Chain
	limiter *rate.Limiter
}

// NewLimitedChain wraps inner with a token-bucket limiter allowing rps
// sustained appends per second and burst additional appends in a burst.
func NewLimitedChain(inner Chain, rps float64, burst int) *LimitedChain {
	return &LimitedChain{
		Chain:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *LimitedChain) Append(ctx context.Context, eventType string, payload any) (*Event, error) {
	if !c.limiter.Allow() {
		return nil, ErrChainBusy
	}
	return c.Chain.Append(ctx, eventType, payload)
}
