package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepDefinition describes one transformation step of the pipeline.
// Definitions are immutable once registered; the registry owns them.
type StepDefinition struct {
	Name           string
	DependsOn      []string
	IdempotencyKey string // key template, expanded per batch; empty disables skip-on-match
	Checks         []CheckSpec
	Retry          RetryPolicy
	Action         Action
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

type Backoff struct {
	Type       string // "fixed" or "exponential"
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt never waits.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	initial := p.Backoff.Initial
	if initial < 0 {
		initial = 0
	}
	max := p.Backoff.Max
	if max < 0 {
		max = 0
	}

	switch strings.ToLower(strings.TrimSpace(p.Backoff.Type)) {
	case "exponential":
		delay := float64(initial)
		for i := 2; i < attempt; i++ {
			delay *= p.Backoff.Multiplier
		}
		if max > 0 && delay > float64(max) {
			return max
		}
		return time.Duration(delay)
	default:
		if max > 0 && initial > max {
			return max
		}
		return initial
	}
}

func (d StepDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("step name is required")
	}
	if d.Action == nil {
		return errors.New("step action is required")
	}
	if d.Retry.MaxAttempts < 1 {
		return errors.New("retry maxAttempts must be >= 1")
	}
	for _, dep := range d.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return errors.New("dependency names must be non-empty")
		}
		if dep == d.Name {
			return errors.New("step cannot depend on itself")
		}
	}
	for i, check := range d.Checks {
		if err := check.Validate(); err != nil {
			return fmt.Errorf("check[%d]: %w", i, err)
		}
	}
	return nil
}

// ExpandIdempotencyKey substitutes the batch id into the key template.
func (d StepDefinition) ExpandIdempotencyKey(batchID string) string {
	template := strings.TrimSpace(d.IdempotencyKey)
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{batch}", strings.TrimSpace(batchID))
}
