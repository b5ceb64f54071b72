package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// FetchConfigs retrieves the current configuration of every function,
// fanning out one fetch per identifier without waiting on earlier ones.
// Results land in input order no matter which call finishes first, and
// the method returns only after every fetch has settled, so no goroutine
// outlives the call on error paths. Any single failure fails the whole
// batch; each failure stays attributable to its function.
func (o *Orchestrator) FetchConfigs(ctx context.Context, identifiers []string) ([]lambdatypes.FunctionConfiguration, error) {
	configs := make([]lambdatypes.FunctionConfiguration, len(identifiers))
	errs := make([]error, len(identifiers))

	var wg sync.WaitGroup
	for i, identifier := range identifiers {
		wg.Add(1)
		go func(i int, identifier string) {
			defer wg.Done()
			cfg, err := o.svc.FunctionConfig(ctx, identifier)
			if err != nil {
				errs[i] = fmt.Errorf("fetch config for %s: %w", identifier, err)
				return
			}
			configs[i] = cfg
		}(i, identifier)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	o.logger.Debug().
		Int("functions", len(configs)).
		Msg("fetched configurations")

	return configs, nil
}
