package rbacgate

import (
	"context"
	"fmt"
	"time"
)

// Limit is a fixed-window budget: Points requests per Duration.
type Limit struct {
	Points   int           `json:"points" yaml:"points" validate:"gt=0"`
	Duration time.Duration `json:"duration" yaml:"duration" validate:"gt=0"`
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.Points, l.Duration)
}

// Validate rejects budgets that could never admit a request.
func (l Limit) Validate() error {
	if l.Points <= 0 {
		return fmt.Errorf("rate limit: points must be positive, got %d", l.Points)
	}
	if l.Duration <= 0 {
		return fmt.Errorf("rate limit: duration must be positive, got %s", l.Duration)
	}
	return nil
}

// RateLimiter consumes one point for key. When the budget of the current
// window is spent it returns *RateLimitExceeded; any other error means the
// limiter itself failed.
type RateLimiter interface {
	CheckLimit(ctx context.Context, key string, limit Limit) error
}

// RateLimiterFunc adapts a function to RateLimiter.
type RateLimiterFunc func(ctx context.Context, key string, limit Limit) error

func (f RateLimiterFunc) CheckLimit(ctx context.Context, key string, limit Limit) error {
	return f(ctx, key, limit)
}
