package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// readiness is the verdict over one configuration snapshot.
type readiness int

const (
	statePending readiness = iota // worth another attempt
	stateReady
	stateFailed
)

// classify maps a snapshot onto the readiness state machine. Only a
// pending lifecycle state earns another attempt; anything else is
// terminal one way or the other.
func (o *Orchestrator) classify(cfg lambdatypes.FunctionConfiguration) readiness {
	if cfg.State == "" && cfg.LastUpdateStatus == "" {
		if o.opts.RequireLifecycleFields {
			return stateFailed
		}
		return stateReady
	}
	if cfg.State == lambdatypes.StateActive && cfg.LastUpdateStatus == lambdatypes.LastUpdateStatusSuccessful {
		return stateReady
	}
	if cfg.State == lambdatypes.StatePending {
		return statePending
	}
	return stateFailed
}

// Backoff returns the wait before re-fetching on the given attempt:
// base doubled attempt times. Pure, so the schedule is testable on its
// own.
func Backoff(attempt int, base time.Duration) time.Duration {
	return base << uint(attempt)
}

// WaitForReady blocks until the function described by cfg reaches an
// updatable state, re-fetching its configuration with exponential backoff
// between attempts. The loop is bounded by Options.MaxPollAttempts; each
// invocation carries its own attempt counter, so concurrent polls never
// share backoff budget. Cancelling ctx aborts a pending wait immediately
// without touching other polls.
func (o *Orchestrator) WaitForReady(ctx context.Context, cfg lambdatypes.FunctionConfiguration) (lambdatypes.FunctionConfiguration, error) {
	name := aws.ToString(cfg.FunctionName)
	for attempt := 0; ; attempt++ {
		switch o.classify(cfg) {
		case stateReady:
			return cfg, nil
		case stateFailed:
			return cfg, &ReadinessError{
				FunctionName:     name,
				State:            cfg.State,
				LastUpdateStatus: cfg.LastUpdateStatus,
				Attempts:         attempt,
			}
		}

		if attempt >= o.opts.MaxPollAttempts {
			return cfg, &ReadinessError{
				FunctionName:     name,
				State:            cfg.State,
				LastUpdateStatus: cfg.LastUpdateStatus,
				Attempts:         attempt,
				Exhausted:        true,
			}
		}

		delay := Backoff(attempt, o.opts.BasePollDelay)
		o.logger.Debug().
			Str("function", name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("function pending, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cfg, ctx.Err()
		case <-timer.C:
		}

		fresh, err := o.svc.FunctionConfig(ctx, name)
		if err != nil {
			return cfg, fmt.Errorf("fetch config for %s: %w", name, err)
		}
		cfg = fresh
	}
}

// WaitForReadyAll gates a whole batch, polling every function
// concurrently. Each poll suspends independently, so a slow function
// never delays the others. Results keep input order; the call returns
// once every poll has settled and fails if any one of them did.
func (o *Orchestrator) WaitForReadyAll(ctx context.Context, configs []lambdatypes.FunctionConfiguration) ([]lambdatypes.FunctionConfiguration, error) {
	ready := make([]lambdatypes.FunctionConfiguration, len(configs))
	errs := make([]error, len(configs))

	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg lambdatypes.FunctionConfiguration) {
			defer wg.Done()
			ready[i], errs[i] = o.WaitForReady(ctx, cfg)
		}(i, cfg)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ready, nil
}
