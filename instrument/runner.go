package instrument

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/mittari/fleet"
	"github.com/yairfalse/mittari/internal/config"
	"github.com/yairfalse/mittari/internal/filter"
	"github.com/yairfalse/mittari/internal/journal"
	"github.com/yairfalse/mittari/internal/telemetry"
	"github.com/yairfalse/mittari/orchestrator"
	"github.com/yairfalse/mittari/policy"
)

const (
	commandInstrument   = "instrument"
	commandUninstrument = "uninstrument"
)

// RegionService is everything a run needs from one region's control plane.
type RegionService interface {
	orchestrator.RemoteService
	DiscoverFunctions(ctx context.Context) ([]lambdatypes.FunctionConfiguration, error)
	FunctionTags(ctx context.Context, functionARN string) (map[string]string, error)
}

// ServiceSource hands out regional services and knows the account's regions.
type ServiceSource interface {
	Service(ctx context.Context, region string) (RegionService, error)
	Regions(ctx context.Context, anchor string) ([]string, error)
}

// Options tunes a Runner.
type Options struct {
	// DryRun plans changes without applying them.
	DryRun bool
	// AllRegions discovers the account's enabled regions instead of the
	// configured list.
	AllRegions bool
}

// Runner drives instrumentation runs across regions.
type Runner struct {
	cfg    *config.Config
	source ServiceSource
	engine *policy.Engine
	filter *filter.Filter
	jnl    *journal.Journal

	provider *telemetry.Provider
	logger   *telemetry.Logger
	opts     Options
}

// PlannedChange describes one pending update for reporting.
type PlannedChange struct {
	Function string
	Region   string
	Facets   []string
}

// Summary aggregates the outcome of one run.
type Summary struct {
	Command  string
	Regions  []string
	Observed int
	Planned  []PlannedChange
	Updated  int
	Skipped  int
	Duration time.Duration
}

// New creates a Runner. The journal may be nil to disable auditing.
func New(ctx context.Context, cfg *config.Config, source ServiceSource, provider *telemetry.Provider, jnl *journal.Journal, opts Options) (*Runner, error) {
	fl, err := filter.New(cfg.Discovery.NamePattern, cfg.Discovery.IncludeTags, cfg.Discovery.ExcludeTags)
	if err != nil {
		return nil, fmt.Errorf("build discovery filter: %w", err)
	}

	engine := policy.NewEngine()
	if cfg.Policy.Path != "" {
		if err := engine.LoadDir(ctx, cfg.Policy.Path); err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
	}

	return &Runner{
		cfg:      cfg,
		source:   source,
		engine:   engine,
		filter:   fl,
		jnl:      jnl,
		provider: provider,
		logger:   telemetry.NewLogger("instrument"),
		opts:     opts,
	}, nil
}

// Instrument applies the configured instrumentation to the given
// identifiers, or to every discovered function when none are given.
func (r *Runner) Instrument(ctx context.Context, identifiers []string) (*Summary, error) {
	return r.run(ctx, commandInstrument, identifiers, BuildUpdateRequest)
}

// Uninstrument strips the configured instrumentation.
func (r *Runner) Uninstrument(ctx context.Context, identifiers []string) (*Summary, error) {
	return r.run(ctx, commandUninstrument, identifiers, BuildRemovalRequest)
}

type buildFunc func(cfg config.InstrumentConfig, region string, fn lambdatypes.FunctionConfiguration, currentTags map[string]string) orchestrator.UpdateRequest

// regionTargets lists what to touch in one region. Empty identifiers mean
// discover everything the filter allows.
type regionTargets struct {
	region      string
	identifiers []string
}

type regionOutcome struct {
	observed int
	planned  []PlannedChange
	updated  int
	skipped  int
}

func (r *Runner) run(ctx context.Context, command string, identifiers []string, build buildFunc) (*Summary, error) {
	start := time.Now()

	targets, err := r.resolveTargets(ctx, identifiers)
	if err != nil {
		return nil, err
	}

	regions := make([]string, 0, len(targets))
	for _, t := range targets {
		regions = append(regions, t.region)
	}

	r.logger.LogRunStart(ctx, command, len(identifiers), len(regions))

	var wg sync.WaitGroup
	outcomes := make([]regionOutcome, len(targets))
	errs := make([]error, len(targets))

	for i, target := range targets {
		wg.Add(1)
		go func(i int, target regionTargets) {
			defer wg.Done()

			regionStart := time.Now()
			out, err := r.processRegion(ctx, command, target, build)
			outcomes[i] = out
			if err != nil {
				errs[i] = fmt.Errorf("region %s: %w", target.region, err)
				r.logger.LogRegionError(ctx, target.region, err)
				r.provider.RecordUpdateError(ctx, command, target.region)
			}
			r.provider.RecordRunDuration(ctx, command, target.region, time.Since(regionStart))
		}(i, target)
	}
	wg.Wait()

	summary := &Summary{Command: command, Regions: regions}
	for _, out := range outcomes {
		summary.Observed += out.observed
		summary.Updated += out.updated
		summary.Skipped += out.skipped
		summary.Planned = append(summary.Planned, out.planned...)
	}
	summary.Duration = time.Since(start)

	r.logger.LogRunComplete(ctx, command, summary.Updated, summary.Skipped, summary.Duration)

	if err := errors.Join(errs...); err != nil {
		return summary, err
	}
	return summary, nil
}

// resolveTargets maps the run onto regions. Explicit identifiers are
// grouped by their embedded region; otherwise the configured regions are
// used, each in discovery mode.
func (r *Runner) resolveTargets(ctx context.Context, identifiers []string) ([]regionTargets, error) {
	if len(identifiers) > 0 {
		groups, err := fleet.GroupByRegion(identifiers, r.cfg.AWS.DefaultRegion)
		if err != nil {
			return nil, err
		}
		targets := make([]regionTargets, 0, len(groups))
		for _, region := range groups.Regions() {
			targets = append(targets, regionTargets{region: region, identifiers: groups[region]})
		}
		return targets, nil
	}

	regions := r.cfg.AWS.Regions
	if len(regions) == 0 && r.cfg.AWS.DefaultRegion != "" {
		regions = []string{r.cfg.AWS.DefaultRegion}
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions configured: set aws.regions or aws.default_region")
	}

	if r.opts.AllRegions {
		discovered, err := r.source.Regions(ctx, regions[0])
		if err != nil {
			return nil, fmt.Errorf("discover regions: %w", err)
		}
		regions = discovered
	}

	targets := make([]regionTargets, 0, len(regions))
	for _, region := range regions {
		targets = append(targets, regionTargets{region: region})
	}
	return targets, nil
}

func (r *Runner) processRegion(ctx context.Context, command string, target regionTargets, build buildFunc) (regionOutcome, error) {
	var out regionOutcome

	svc, err := r.source.Service(ctx, target.region)
	if err != nil {
		return out, err
	}

	orch := orchestrator.New(svc, orchestrator.Options{
		MaxPollAttempts:        r.cfg.Poll.MaxAttempts,
		BasePollDelay:          r.cfg.Poll.BaseDelay,
		RequireLifecycleFields: r.cfg.Poll.RequireLifecycleFields,
	})

	configs, err := r.collectConfigs(ctx, orch, svc, target)
	if err != nil {
		return out, err
	}

	tags := r.fetchTags(ctx, svc, configs)

	// Tag filters only apply in discovery mode; explicitly named
	// functions are taken as-is.
	if len(target.identifiers) == 0 && r.filter.NeedsTags() {
		configs = r.filterByTags(configs, tags)
	}
	out.observed = len(configs)
	r.journalEntry(journal.EntryObserved, "", target.region, observedRecord{Count: out.observed}, nil)

	allowed := make([]lambdatypes.FunctionConfiguration, 0, len(configs))
	for _, fn := range configs {
		name := aws.ToString(fn.FunctionName)

		result, err := r.engine.Evaluate(ctx, policy.NewInput(command, functionInfo(fn, target.region, tags)))
		if err != nil {
			return out, fmt.Errorf("evaluate policy for %s: %w", name, err)
		}
		if !result.Allowed() {
			out.skipped++
			r.logger.LogFunctionSkipped(ctx, name, result.Reason)
			r.journalEntry(journal.EntrySkipped, name, target.region, skipRecord{Reason: result.Reason}, nil)
			continue
		}
		allowed = append(allowed, fn)
	}

	if len(allowed) == 0 {
		return out, nil
	}

	ready, err := orch.WaitForReadyAll(ctx, allowed)
	if err != nil {
		return out, err
	}

	requests := make([]orchestrator.UpdateRequest, 0, len(ready))
	for _, fn := range ready {
		name := aws.ToString(fn.FunctionName)

		req := build(r.cfg.Instrument, target.region, fn, tagsFor(tags, fn))
		if req.Empty() {
			out.skipped++
			r.journalEntry(journal.EntrySkipped, name, target.region, skipRecord{Reason: "converged"}, nil)
			continue
		}

		change := PlannedChange{Function: name, Region: target.region, Facets: facets(req)}
		out.planned = append(out.planned, change)
		r.journalEntry(journal.EntryPlanned, name, target.region, planRecord{Facets: change.Facets}, nil)
		requests = append(requests, req)
	}

	if r.opts.DryRun || len(requests) == 0 {
		return out, nil
	}

	for _, req := range requests {
		r.journalEntry(journal.EntryUpdating, req.FunctionName, target.region, nil, nil)
	}

	if err := orch.ApplyUpdates(ctx, requests); err != nil {
		r.journalEntry(journal.EntryFailed, "", target.region, nil, err)
		return out, err
	}

	for _, req := range requests {
		r.journalEntry(journal.EntryUpdated, req.FunctionName, target.region, nil, nil)
	}
	out.updated = len(requests)
	r.provider.RecordFunctionsUpdated(ctx, target.region, out.updated)

	return out, nil
}

// collectConfigs fetches explicit identifiers or discovers the region.
func (r *Runner) collectConfigs(ctx context.Context, orch *orchestrator.Orchestrator, svc RegionService, target regionTargets) ([]lambdatypes.FunctionConfiguration, error) {
	if len(target.identifiers) > 0 {
		return orch.FetchConfigs(ctx, target.identifiers)
	}

	discovered, err := svc.DiscoverFunctions(ctx)
	if err != nil {
		return nil, err
	}

	kept := make([]lambdatypes.FunctionConfiguration, 0, len(discovered))
	for _, fn := range discovered {
		if r.filter.MatchesName(aws.ToString(fn.FunctionName)) {
			kept = append(kept, fn)
		}
	}
	return kept, nil
}

// fetchTags pulls tags for every function when any consumer needs them.
// A failed lookup is logged and the function's tags left unknown.
func (r *Runner) fetchTags(ctx context.Context, svc RegionService, fns []lambdatypes.FunctionConfiguration) map[string]map[string]string {
	needed := r.filter.NeedsTags() ||
		len(r.cfg.Instrument.Tags) > 0 ||
		r.engine.PolicyCount() > 0
	if !needed {
		return nil
	}

	tags := make(map[string]map[string]string, len(fns))
	for _, fn := range fns {
		arn := aws.ToString(fn.FunctionArn)
		if arn == "" {
			continue
		}
		t, err := svc.FunctionTags(ctx, arn)
		if err != nil {
			r.logger.WithContext(ctx).Warn().
				Err(err).
				Str("function", aws.ToString(fn.FunctionName)).
				Msg("failed to fetch tags")
			continue
		}
		tags[arn] = t
	}
	return tags
}

func (r *Runner) filterByTags(fns []lambdatypes.FunctionConfiguration, tags map[string]map[string]string) []lambdatypes.FunctionConfiguration {
	kept := make([]lambdatypes.FunctionConfiguration, 0, len(fns))
	for _, fn := range fns {
		if r.filter.MatchesTags(tagsFor(tags, fn)) {
			kept = append(kept, fn)
		}
	}
	return kept
}

type observedRecord struct {
	Count int `json:"count"`
}

type skipRecord struct {
	Reason string `json:"reason"`
}

type planRecord struct {
	Facets []string `json:"facets"`
}

func (r *Runner) journalEntry(t journal.EntryType, function, region string, data interface{}, cause error) {
	if r.jnl == nil {
		return
	}

	var err error
	if cause != nil {
		err = r.jnl.AppendError(t, function, region, data, cause)
	} else {
		err = r.jnl.Append(t, function, region, data)
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to write journal entry")
	}
}

func tagsFor(tags map[string]map[string]string, fn lambdatypes.FunctionConfiguration) map[string]string {
	if tags == nil {
		return nil
	}
	return tags[aws.ToString(fn.FunctionArn)]
}

func functionInfo(fn lambdatypes.FunctionConfiguration, region string, tags map[string]map[string]string) policy.FunctionInfo {
	return policy.FunctionInfo{
		Name:     aws.ToString(fn.FunctionName),
		ARN:      aws.ToString(fn.FunctionArn),
		Region:   region,
		Runtime:  string(fn.Runtime),
		MemoryMB: aws.ToInt32(fn.MemorySize),
		Layers:   layerARNs(fn),
		Tags:     tagsFor(tags, fn),
	}
}

func facets(req orchestrator.UpdateRequest) []string {
	var f []string
	if req.Config != nil {
		f = append(f, "config")
	}
	if req.Tags != nil {
		f = append(f, "tags")
	}
	if req.Logs != nil {
		f = append(f, "logs")
	}
	return f
}
