package gateway

import (
	"context"
	"time"

	"github.com/meigma/custody"
)

// retry runs fn up to 1+retries times, doubling the backoff between
// attempts. Only transient failures are retried; integrity, policy, and
// config failures surface immediately.
func (g *Gateway) retry(ctx context.Context, op string, fn func() error) error {
	backoff := g.backoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !custody.IsRetryable(err) || attempt >= g.retries {
			return err
		}

		g.log().Debug("retrying after transient failure",
			"op", op,
			"attempt", attempt+1,
			"backoff", backoff.String(),
			"error", err.Error())

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
