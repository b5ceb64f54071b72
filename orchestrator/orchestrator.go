// Package orchestrator executes bulk configuration changes against one
// region's batch of Lambda functions: fetch current configuration for
// every target, gate on each function reaching an updatable state, then
// apply heterogeneous update facets concurrently while keeping every
// failure attributable to its function.
//
// The package decides nothing about desired values. Callers hand it
// already-computed UpdateRequests and a RemoteService to execute them on.
package orchestrator

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/mittari/internal/telemetry"
)

// RemoteService is the management-plane surface the orchestrator drives.
// Implementations must be safe for concurrent use; the orchestrator calls
// them from many goroutines at once.
type RemoteService interface {
	// FunctionConfig fetches a fresh configuration snapshot.
	FunctionConfig(ctx context.Context, name string) (lambdatypes.FunctionConfiguration, error)
	// UpdateFunctionSettings applies a core configuration patch.
	UpdateFunctionSettings(ctx context.Context, patch *lambda.UpdateFunctionConfigurationInput) error
	// TagFunction adds or overwrites tags on a function.
	TagFunction(ctx context.Context, functionARN string, tags map[string]string) error
	// UntagFunction removes tag keys from a function.
	UntagFunction(ctx context.Context, functionARN string, keys []string) error
	// ConfigureLogGroup applies log-group settings for a function.
	ConfigureLogGroup(ctx context.Context, update LogGroupUpdate) error
}

// Defaults for readiness polling, tunable through Options so tests can
// shrink waits.
const (
	DefaultMaxPollAttempts = 5
	DefaultBasePollDelay   = 500 * time.Millisecond
)

// Options tunes the orchestrator. The zero value gets defaults.
type Options struct {
	// MaxPollAttempts bounds readiness re-fetches per function.
	MaxPollAttempts int
	// BasePollDelay is the first backoff wait; it doubles per attempt.
	BasePollDelay time.Duration
	// RequireLifecycleFields fails readiness for snapshots carrying
	// neither a lifecycle state nor a last update status. Older API
	// shapes omit both fields; such snapshots count as ready unless
	// this is set.
	RequireLifecycleFields bool
}

func (o Options) withDefaults() Options {
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if o.BasePollDelay <= 0 {
		o.BasePollDelay = DefaultBasePollDelay
	}
	return o
}

// Orchestrator drives fetch, readiness gate and update for one region.
type Orchestrator struct {
	svc    RemoteService
	opts   Options
	logger *telemetry.Logger
}

// New creates an Orchestrator. Zero opts fields fall back to defaults.
func New(svc RemoteService, opts Options) *Orchestrator {
	return &Orchestrator{
		svc:    svc,
		opts:   opts.withDefaults(),
		logger: telemetry.NewLogger("orchestrator"),
	}
}
