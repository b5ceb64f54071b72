package instrument

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/mittari/fleet"
	"github.com/yairfalse/mittari/internal/config"
	"github.com/yairfalse/mittari/internal/journal"
	"github.com/yairfalse/mittari/internal/telemetry"
	"github.com/yairfalse/mittari/orchestrator"
)

// ══════════════════════════════════════════════════════════════════════════════
// Mocks
// ══════════════════════════════════════════════════════════════════════════════

type mockService struct {
	FunctionConfigFunc         func(ctx context.Context, name string) (lambdatypes.FunctionConfiguration, error)
	UpdateFunctionSettingsFunc func(ctx context.Context, patch *lambda.UpdateFunctionConfigurationInput) error
	TagFunctionFunc            func(ctx context.Context, functionARN string, tags map[string]string) error
	UntagFunctionFunc          func(ctx context.Context, functionARN string, keys []string) error
	ConfigureLogGroupFunc      func(ctx context.Context, update orchestrator.LogGroupUpdate) error
	DiscoverFunctionsFunc      func(ctx context.Context) ([]lambdatypes.FunctionConfiguration, error)
	FunctionTagsFunc           func(ctx context.Context, functionARN string) (map[string]string, error)
}

func (m *mockService) FunctionConfig(ctx context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
	if m.FunctionConfigFunc == nil {
		return lambdatypes.FunctionConfiguration{}, errors.New("unexpected FunctionConfig call")
	}
	return m.FunctionConfigFunc(ctx, name)
}

func (m *mockService) UpdateFunctionSettings(ctx context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
	if m.UpdateFunctionSettingsFunc == nil {
		return errors.New("unexpected UpdateFunctionSettings call")
	}
	return m.UpdateFunctionSettingsFunc(ctx, patch)
}

func (m *mockService) TagFunction(ctx context.Context, functionARN string, tags map[string]string) error {
	if m.TagFunctionFunc == nil {
		return errors.New("unexpected TagFunction call")
	}
	return m.TagFunctionFunc(ctx, functionARN, tags)
}

func (m *mockService) UntagFunction(ctx context.Context, functionARN string, keys []string) error {
	if m.UntagFunctionFunc == nil {
		return errors.New("unexpected UntagFunction call")
	}
	return m.UntagFunctionFunc(ctx, functionARN, keys)
}

func (m *mockService) ConfigureLogGroup(ctx context.Context, update orchestrator.LogGroupUpdate) error {
	if m.ConfigureLogGroupFunc == nil {
		return errors.New("unexpected ConfigureLogGroup call")
	}
	return m.ConfigureLogGroupFunc(ctx, update)
}

func (m *mockService) DiscoverFunctions(ctx context.Context) ([]lambdatypes.FunctionConfiguration, error) {
	if m.DiscoverFunctionsFunc == nil {
		return nil, errors.New("unexpected DiscoverFunctions call")
	}
	return m.DiscoverFunctionsFunc(ctx)
}

func (m *mockService) FunctionTags(ctx context.Context, functionARN string) (map[string]string, error) {
	if m.FunctionTagsFunc == nil {
		return nil, nil
	}
	return m.FunctionTagsFunc(ctx, functionARN)
}

type mockSource struct {
	mu        sync.Mutex
	requested []string
	services  map[string]RegionService

	RegionsFunc func(ctx context.Context, anchor string) ([]string, error)
}

func (s *mockSource) Service(_ context.Context, region string) (RegionService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requested = append(s.requested, region)
	svc, ok := s.services[region]
	if !ok {
		return nil, errors.New("no service for region " + region)
	}
	return svc, nil
}

func (s *mockSource) Regions(ctx context.Context, anchor string) ([]string, error) {
	if s.RegionsFunc == nil {
		return nil, errors.New("unexpected Regions call")
	}
	return s.RegionsFunc(ctx, anchor)
}

func singleRegionSource(region string, svc RegionService) *mockSource {
	return &mockSource{services: map[string]RegionService{region: svc}}
}

// ══════════════════════════════════════════════════════════════════════════════
// Helpers
// ══════════════════════════════════════════════════════════════════════════════

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AWS.DefaultRegion = "us-east-1"
	cfg.Instrument.LayerAccount = testAccount
	cfg.Instrument.Layers = []config.LayerConfig{{Name: "tracer", Version: 5}}
	cfg.Poll.MaxAttempts = 3
	cfg.Poll.BaseDelay = time.Millisecond
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config, source ServiceSource, jnl *journal.Journal, opts Options) *Runner {
	t.Helper()

	provider, err := telemetry.NewProvider(context.Background(), cfg.OTEL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := New(context.Background(), cfg, source, provider, jnl, opts)
	require.NoError(t, err)
	return r
}

func activeFn(region, name string) lambdatypes.FunctionConfiguration {
	return lambdatypes.FunctionConfiguration{
		FunctionName:     aws.String(name),
		FunctionArn:      aws.String("arn:aws:lambda:" + region + ":123456789012:function:" + name),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}
}

func instrumentedFn(region, name string) lambdatypes.FunctionConfiguration {
	fn := activeFn(region, name)
	fn.Layers = []lambdatypes.Layer{
		{Arn: aws.String(fleet.LayerVersionARN(region, testAccount, "tracer", 5))},
	}
	return fn
}

// recordingService answers FunctionConfig from the fixtures and records
// applied patches. The real API returns the bare name even when addressed
// by full ARN.
func recordingService(region string, patches *sync.Map) *mockService {
	return &mockService{
		FunctionConfigFunc: func(_ context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
			if i := strings.LastIndex(name, ":"); i >= 0 {
				name = name[i+1:]
			}
			return activeFn(region, name), nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
			patches.Store(aws.ToString(patch.FunctionName), patch.Layers)
			return nil
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// Runner Tests
// ══════════════════════════════════════════════════════════════════════════════

func TestRunner_InstrumentExplicitIdentifiers(t *testing.T) {
	var patches sync.Map
	svc := recordingService("us-east-1", &patches)
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, nil, Options{})
	summary, err := r.Instrument(context.Background(), []string{"fnA", "fnB"})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Observed)
	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, []string{"us-east-1"}, summary.Regions)

	for _, name := range []string{"fnA", "fnB"} {
		layers, ok := patches.Load(name)
		require.True(t, ok, "%s was not updated", name)
		assert.Equal(t, []string{fleet.LayerVersionARN("us-east-1", testAccount, "tracer", 5)}, layers)
	}
}

func TestRunner_ConvergedFunctionSkipped(t *testing.T) {
	svc := &mockService{
		FunctionConfigFunc: func(_ context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
			return instrumentedFn("us-east-1", name), nil
		},
	}
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, nil, Options{})
	summary, err := r.Instrument(context.Background(), []string{"fnA"})

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Planned)
}

func TestRunner_DryRunPlansWithoutApplying(t *testing.T) {
	var updates atomic.Int32
	svc := &mockService{
		FunctionConfigFunc: func(_ context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
			return activeFn("us-east-1", name), nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, _ *lambda.UpdateFunctionConfigurationInput) error {
			updates.Add(1)
			return nil
		},
	}
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, nil, Options{DryRun: true})
	summary, err := r.Instrument(context.Background(), []string{"fnA"})

	require.NoError(t, err)
	require.Len(t, summary.Planned, 1)
	assert.Equal(t, "fnA", summary.Planned[0].Function)
	assert.Equal(t, "us-east-1", summary.Planned[0].Region)
	assert.Equal(t, []string{"config"}, summary.Planned[0].Facets)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, int32(0), updates.Load(), "dry run must not touch anything")
}

func TestRunner_PolicyDenySkips(t *testing.T) {
	var patches sync.Map
	svc := recordingService("us-east-1", &patches)
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, nil, Options{})

	denyPolicy := `package mittari

import rego.v1

decision := "deny" if {
	input.function.name == "fnB"
}

reason := "fnB is opted out" if {
	decision == "deny"
}`
	require.NoError(t, r.engine.LoadPolicy(context.Background(), "opt-out", denyPolicy))

	summary, err := r.Instrument(context.Background(), []string{"fnA", "fnB"})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)

	_, updatedA := patches.Load("fnA")
	_, updatedB := patches.Load("fnB")
	assert.True(t, updatedA)
	assert.False(t, updatedB, "denied function must not be touched")
}

func TestRunner_DiscoveryFiltersNames(t *testing.T) {
	var patches sync.Map
	svc := &mockService{
		DiscoverFunctionsFunc: func(_ context.Context) ([]lambdatypes.FunctionConfiguration, error) {
			// List snapshots carry no lifecycle fields, like the real API
			return []lambdatypes.FunctionConfiguration{
				{FunctionName: aws.String("prod-checkout"), FunctionArn: aws.String("arn:aws:lambda:us-east-1:123456789012:function:prod-checkout")},
				{FunctionName: aws.String("dev-scratch"), FunctionArn: aws.String("arn:aws:lambda:us-east-1:123456789012:function:dev-scratch")},
			}, nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
			patches.Store(aws.ToString(patch.FunctionName), true)
			return nil
		},
	}
	source := singleRegionSource("us-east-1", svc)

	cfg := testConfig()
	cfg.AWS.Regions = []string{"us-east-1"}
	cfg.Discovery.NamePattern = "^prod-"

	r := newTestRunner(t, cfg, source, nil, Options{})
	summary, err := r.Instrument(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Observed)
	assert.Equal(t, 1, summary.Updated)

	_, touched := patches.Load("prod-checkout")
	assert.True(t, touched)
	_, touchedDev := patches.Load("dev-scratch")
	assert.False(t, touchedDev)
}

func TestRunner_DiscoveryTagFilter(t *testing.T) {
	var patches sync.Map
	svc := &mockService{
		DiscoverFunctionsFunc: func(_ context.Context) ([]lambdatypes.FunctionConfiguration, error) {
			return []lambdatypes.FunctionConfiguration{
				activeFn("us-east-1", "fnA"),
				activeFn("us-east-1", "fnB"),
			}, nil
		},
		FunctionTagsFunc: func(_ context.Context, functionARN string) (map[string]string, error) {
			if functionARN == "arn:aws:lambda:us-east-1:123456789012:function:fnA" {
				return map[string]string{"env": "prod"}, nil
			}
			return map[string]string{"env": "staging"}, nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
			patches.Store(aws.ToString(patch.FunctionName), true)
			return nil
		},
	}
	source := singleRegionSource("us-east-1", svc)

	cfg := testConfig()
	cfg.AWS.Regions = []string{"us-east-1"}
	cfg.Discovery.IncludeTags = map[string]string{"env": "prod"}

	r := newTestRunner(t, cfg, source, nil, Options{})
	summary, err := r.Instrument(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Observed)
	assert.Equal(t, 1, summary.Updated)

	_, touchedA := patches.Load("fnA")
	assert.True(t, touchedA)
	_, touchedB := patches.Load("fnB")
	assert.False(t, touchedB)
}

func TestRunner_MultiRegionGrouping(t *testing.T) {
	var eastPatches, westPatches sync.Map
	source := &mockSource{services: map[string]RegionService{
		"us-east-1": recordingService("us-east-1", &eastPatches),
		"eu-west-1": recordingService("eu-west-1", &westPatches),
	}}

	r := newTestRunner(t, testConfig(), source, nil, Options{})
	summary, err := r.Instrument(context.Background(), []string{
		"arn:aws:lambda:us-east-1:123456789012:function:fnA",
		"arn:aws:lambda:eu-west-1:123456789012:function:fnB",
	})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, summary.Regions)
	assert.ElementsMatch(t, []string{"us-east-1", "eu-west-1"}, source.requested)

	_, east := eastPatches.Load("fnA")
	assert.True(t, east)
	_, west := westPatches.Load("fnB")
	assert.True(t, west)
}

func TestRunner_RegionlessWithoutDefault(t *testing.T) {
	cfg := testConfig()
	cfg.AWS.DefaultRegion = ""

	source := &mockSource{services: map[string]RegionService{}}
	r := newTestRunner(t, cfg, source, nil, Options{})

	_, err := r.Instrument(context.Background(), []string{"fnX"})

	require.Error(t, err)
	var groupingErr *fleet.GroupingError
	require.ErrorAs(t, err, &groupingErr)
	assert.Equal(t, []string{"fnX"}, groupingErr.Identifiers)
}

func TestRunner_RegionFailureDoesNotAbortOthers(t *testing.T) {
	var patches sync.Map
	broken := &mockService{
		FunctionConfigFunc: func(_ context.Context, _ string) (lambdatypes.FunctionConfiguration, error) {
			return lambdatypes.FunctionConfiguration{}, errors.New("throttled")
		},
	}
	source := &mockSource{services: map[string]RegionService{
		"us-east-1": recordingService("us-east-1", &patches),
		"eu-west-1": broken,
	}}

	r := newTestRunner(t, testConfig(), source, nil, Options{})
	summary, err := r.Instrument(context.Background(), []string{
		"arn:aws:lambda:us-east-1:123456789012:function:fnA",
		"arn:aws:lambda:eu-west-1:123456789012:function:fnB",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "region eu-west-1")
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Updated, "healthy region still applied")
}

func TestRunner_UninstrumentStripsLayer(t *testing.T) {
	var patches sync.Map
	svc := &mockService{
		FunctionConfigFunc: func(_ context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
			return instrumentedFn("us-east-1", name), nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
			patches.Store(aws.ToString(patch.FunctionName), patch.Layers)
			return nil
		},
	}
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, nil, Options{})
	summary, err := r.Uninstrument(context.Background(), []string{"fnA"})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	layers, ok := patches.Load("fnA")
	require.True(t, ok)
	assert.Empty(t, layers)
}

func TestRunner_NoRegionsConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AWS.DefaultRegion = ""
	cfg.AWS.Regions = nil

	source := &mockSource{services: map[string]RegionService{}}
	r := newTestRunner(t, cfg, source, nil, Options{})

	_, err := r.Instrument(context.Background(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no regions configured")
}

func TestRunner_AllRegionsDiscovery(t *testing.T) {
	var patches sync.Map
	svc := &mockService{
		DiscoverFunctionsFunc: func(_ context.Context) ([]lambdatypes.FunctionConfiguration, error) {
			return []lambdatypes.FunctionConfiguration{activeFn("eu-west-1", "fnC")}, nil
		},
		UpdateFunctionSettingsFunc: func(_ context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
			patches.Store(aws.ToString(patch.FunctionName), true)
			return nil
		},
	}

	var anchorSeen string
	source := &mockSource{
		services: map[string]RegionService{"eu-west-1": svc},
		RegionsFunc: func(_ context.Context, anchor string) ([]string, error) {
			anchorSeen = anchor
			return []string{"eu-west-1"}, nil
		},
	}

	r := newTestRunner(t, testConfig(), source, nil, Options{AllRegions: true})
	summary, err := r.Instrument(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "us-east-1", anchorSeen, "default region anchors region discovery")
	assert.Equal(t, []string{"eu-west-1"}, summary.Regions)
	assert.Equal(t, 1, summary.Updated)
}

func TestRunner_JournalRecordsLifecycle(t *testing.T) {
	dir := t.TempDir()
	jnl, err := journal.Open(dir)
	require.NoError(t, err)

	var patches sync.Map
	svc := recordingService("us-east-1", &patches)
	source := singleRegionSource("us-east-1", svc)

	r := newTestRunner(t, testConfig(), source, jnl, Options{})
	_, err = r.Instrument(context.Background(), []string{"fnA"})
	require.NoError(t, err)
	require.NoError(t, jnl.Close())

	files, err := filepath.Glob(filepath.Join(dir, "mittari-*.journal"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	reader, err := journal.NewReader(files[0])
	require.NoError(t, err)
	defer reader.Close()

	var types []journal.EntryType
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", entry.Region)
		if entry.Type != journal.EntryObserved {
			assert.Equal(t, "fnA", entry.Function)
		}
		types = append(types, entry.Type)
	}

	assert.Equal(t, []journal.EntryType{
		journal.EntryObserved,
		journal.EntryPlanned,
		journal.EntryUpdating,
		journal.EntryUpdated,
	}, types)
}
