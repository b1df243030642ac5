package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// dialPolicy controls reconnect attempts against external stores (Postgres,
// Redis, Kafka). Node-level retry is a different mechanism: it lives in the
// retry executor and follows the node's own parameters.
type dialPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

func defaultDialPolicy() dialPolicy {
	return dialPolicy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Jitter:       0.2,
	}
}

// dialWithRetry calls fn until it succeeds or the attempts run out, backing
// off exponentially with jitter between attempts.
func dialWithRetry(ctx context.Context, p dialPolicy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
		if p.Jitter > 0 {
			delay += delay * p.Jitter * (rand.Float64()*2 - 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delay)):
		}
	}
	return err
}
