package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ApplyUpdates applies every request in the batch: all functions run
// concurrently, and the facets of one function run concurrently with each
// other. The call returns only once every facet of every function has
// settled. There is no rollback; facets already applied when another
// fails stay applied, and the returned error names each failed function
// and facet so partial effects are visible to the caller.
func (o *Orchestrator) ApplyUpdates(ctx context.Context, requests []UpdateRequest) error {
	o.logger.Debug().
		Int("functions", len(requests)).
		Msg("applying updates")

	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req UpdateRequest) {
			defer wg.Done()
			errs[i] = o.applyOne(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// applyOne fans out the facets of a single request. An absent facet costs
// nothing: no goroutine, no remote call.
func (o *Orchestrator) applyOne(ctx context.Context, req UpdateRequest) error {
	facetErrs := make([]error, 3)
	var wg sync.WaitGroup

	if req.Config != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.svc.UpdateFunctionSettings(ctx, req.Config); err != nil {
				facetErrs[0] = fmt.Errorf("update config for %s: %w", req.FunctionName, err)
			}
		}()
	}

	if !req.Tags.empty() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			facetErrs[1] = o.applyTags(ctx, req)
		}()
	}

	if req.Logs != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.svc.ConfigureLogGroup(ctx, *req.Logs); err != nil {
				facetErrs[2] = fmt.Errorf("configure log group for %s: %w", req.FunctionName, err)
			}
		}()
	}

	wg.Wait()
	return errors.Join(facetErrs...)
}

func (o *Orchestrator) applyTags(ctx context.Context, req UpdateRequest) error {
	if len(req.Tags.Add) > 0 {
		if err := o.svc.TagFunction(ctx, req.FunctionARN, req.Tags.Add); err != nil {
			return fmt.Errorf("tag %s: %w", req.FunctionName, err)
		}
	}
	if len(req.Tags.Remove) > 0 {
		if err := o.svc.UntagFunction(ctx, req.FunctionARN, req.Tags.Remove); err != nil {
			return fmt.Errorf("untag %s: %w", req.FunctionName, err)
		}
	}
	return nil
}
