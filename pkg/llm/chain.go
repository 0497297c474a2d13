package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Call outcomes reported to an Observer.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "breaker_open"
)

// Observer receives one notification per provider attempt. Outcome is
// OutcomeSuccess, OutcomeSkipped or the failure Kind.
type Observer interface {
	ObserveLLMCall(provider, outcome string, elapsed time.Duration)
}

// ChainOptions configures a Chain.
type ChainOptions struct {
	CallTimeout     time.Duration
	BreakerEnabled  bool
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Observer        Observer
}

type chainEntry struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// Chain tries providers in order until one succeeds.
type Chain struct {
	log         logrus.FieldLogger
	entries     []chainEntry
	callTimeout time.Duration
	observer    Observer
}

// NewChain creates a chain over providers in priority order.
func NewChain(log logrus.FieldLogger, providers []Provider, opts ChainOptions) *Chain {
	c := &Chain{
		log:         log.WithField("component", "llm-chain"),
		entries:     make([]chainEntry, 0, len(providers)),
		callTimeout: opts.CallTimeout,
		observer:    opts.Observer,
	}

	for _, p := range providers {
		entry := chainEntry{provider: p}

		if opts.BreakerEnabled {
			entry.breaker = c.newBreaker(p.ID(), opts.BreakerFailures, opts.BreakerCooldown)
		}

		c.entries = append(c.entries, entry)
	}

	return c
}

func (c *Chain) newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 3
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Provider circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			var perr *ProviderError
			if errors.As(err, &perr) {
				return perr.Kind == KindInvalidRequest
			}

			return err == nil
		},
	})
}

// Providers returns the provider IDs in chain order.
func (c *Chain) Providers() []string {
	ids := make([]string, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.provider.ID()
	}

	return ids
}

// Complete returns the first successful completion. It stops on
// invalid_request failures and on cancellation of ctx; otherwise it falls
// through every provider and returns an *UnavailableError.
func (c *Chain) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	if len(c.entries) == 0 {
		return Completion{}, &UnavailableError{Reason: "no providers configured"}
	}

	attempts := make([]*ProviderError, 0, len(c.entries))

	for _, entry := range c.entries {
		if err := ctx.Err(); err != nil {
			return Completion{}, fmt.Errorf("llm chain: %w", err)
		}

		id := entry.provider.ID()
		started := time.Now()

		text, err := c.call(ctx, entry, prompt)
		if err == nil {
			c.observe(id, OutcomeSuccess, started)

			return Completion{ProviderID: id, Text: text}, nil
		}

		if ctx.Err() != nil {
			return Completion{}, fmt.Errorf("llm chain: %w", ctx.Err())
		}

		perr := asProviderError(id, err)
		attempts = append(attempts, perr)

		outcome := string(perr.Kind)
		if errors.Is(perr, gobreaker.ErrOpenState) || errors.Is(perr, gobreaker.ErrTooManyRequests) {
			outcome = OutcomeSkipped
		}

		c.observe(id, outcome, started)

		log := c.log.WithFields(logrus.Fields{
			"provider": id,
			"kind":     perr.Kind,
		})

		if !perr.Fallback() {
			log.WithError(perr).Warn("Provider rejected the request")

			return Completion{}, perr
		}

		log.WithError(perr).Warn("Provider failed, falling back")
	}

	return Completion{}, &UnavailableError{
		Reason:   attempts[len(attempts)-1].Error(),
		Attempts: attempts,
	}
}

func (c *Chain) call(ctx context.Context, entry chainEntry, prompt Prompt) (string, error) {
	callCtx := ctx

	if c.callTimeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if entry.breaker == nil {
		return entry.provider.Complete(callCtx, prompt)
	}

	out, err := entry.breaker.Execute(func() (interface{}, error) {
		return entry.provider.Complete(callCtx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &ProviderError{
				Provider: entry.provider.ID(),
				Kind:     KindTransport,
				Message:  "circuit breaker open",
				Err:      err,
			}
		}

		return "", err
	}

	text, _ := out.(string)

	return text, nil
}

func (c *Chain) observe(provider, outcome string, started time.Time) {
	if c.observer == nil {
		return
	}

	c.observer.ObserveLLMCall(provider, outcome, time.Since(started))
}

// asProviderError normalizes any provider failure into a *ProviderError.
func asProviderError(provider string, err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}

	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
