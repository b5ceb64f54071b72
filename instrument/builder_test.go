package instrument

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/mittari/internal/config"
)

const (
	testRegion  = "us-east-1"
	testAccount = "111122223333"
	tracerV4    = "arn:aws:lambda:us-east-1:111122223333:layer:tracer:4"
	tracerV5    = "arn:aws:lambda:us-east-1:111122223333:layer:tracer:5"
	otherLayer  = "arn:aws:lambda:us-east-1:999988887777:layer:secrets:12"
)

func layerConfig() config.InstrumentConfig {
	return config.InstrumentConfig{
		LayerAccount: testAccount,
		Layers:       []config.LayerConfig{{Name: "tracer", Version: 5}},
	}
}

func snapshot(name string, layerARNs ...string) lambdatypes.FunctionConfiguration {
	layers := make([]lambdatypes.Layer, 0, len(layerARNs))
	for _, arn := range layerARNs {
		layers = append(layers, lambdatypes.Layer{Arn: aws.String(arn)})
	}
	return lambdatypes.FunctionConfiguration{
		FunctionName: aws.String(name),
		FunctionArn:  aws.String("arn:aws:lambda:us-east-1:123456789012:function:" + name),
		Layers:       layers,
	}
}

func TestBuildUpdateRequest_AddsLayer(t *testing.T) {
	req := BuildUpdateRequest(layerConfig(), testRegion, snapshot("fnA", otherLayer), nil)

	require.NotNil(t, req.Config)
	assert.Equal(t, []string{otherLayer, tracerV5}, req.Config.Layers)
	assert.Nil(t, req.Config.Environment, "env untouched when not configured")
	assert.Nil(t, req.Tags)
	assert.Nil(t, req.Logs)
}

func TestBuildUpdateRequest_UpgradesFamilyInPlace(t *testing.T) {
	req := BuildUpdateRequest(layerConfig(), testRegion, snapshot("fnA", tracerV4, otherLayer), nil)

	require.NotNil(t, req.Config)
	assert.Equal(t, []string{otherLayer, tracerV5}, req.Config.Layers,
		"stale family version removed, new version appended at the end")
}

func TestBuildUpdateRequest_ConvergedIsEmpty(t *testing.T) {
	req := BuildUpdateRequest(layerConfig(), testRegion, snapshot("fnA", otherLayer, tracerV5), nil)

	assert.True(t, req.Empty())
}

func TestBuildUpdateRequest_SimilarFamilyNameUntouched(t *testing.T) {
	extra := "arn:aws:lambda:us-east-1:111122223333:layer:tracer-extra:3"
	req := BuildUpdateRequest(layerConfig(), testRegion, snapshot("fnA", extra), nil)

	require.NotNil(t, req.Config)
	assert.Equal(t, []string{extra, tracerV5}, req.Config.Layers)
}

func TestBuildUpdateRequest_EnvOverlay(t *testing.T) {
	cfg := layerConfig()
	cfg.Layers = nil
	cfg.Environment = map[string]string{
		"OTEL_SERVICE_NAME": "checkout",
		"TRACER_ENABLED":    "true",
	}

	fn := snapshot("fnA")
	fn.Environment = &lambdatypes.EnvironmentResponse{
		Variables: map[string]string{
			"DB_HOST":        "db.internal",
			"TRACER_ENABLED": "false",
		},
	}

	req := BuildUpdateRequest(cfg, testRegion, fn, nil)

	require.NotNil(t, req.Config)
	require.NotNil(t, req.Config.Environment)
	assert.Equal(t, map[string]string{
		"DB_HOST":           "db.internal",
		"OTEL_SERVICE_NAME": "checkout",
		"TRACER_ENABLED":    "true",
	}, req.Config.Environment.Variables)
	assert.Nil(t, req.Config.Layers, "layers untouched when not configured")
}

func TestBuildUpdateRequest_EnvConverged(t *testing.T) {
	cfg := layerConfig()
	cfg.Layers = nil
	cfg.Environment = map[string]string{"TRACER_ENABLED": "true"}

	fn := snapshot("fnA")
	fn.Environment = &lambdatypes.EnvironmentResponse{
		Variables: map[string]string{"TRACER_ENABLED": "true"},
	}

	req := BuildUpdateRequest(cfg, testRegion, fn, nil)

	assert.True(t, req.Empty())
}

func TestBuildUpdateRequest_TagsWithoutCurrentState(t *testing.T) {
	cfg := config.InstrumentConfig{Tags: map[string]string{"observability": "mittari"}}

	req := BuildUpdateRequest(cfg, testRegion, snapshot("fnA"), nil)

	require.NotNil(t, req.Tags)
	assert.Equal(t, map[string]string{"observability": "mittari"}, req.Tags.Add)
	assert.Empty(t, req.Tags.Remove)
}

func TestBuildUpdateRequest_TagsAlreadyPresent(t *testing.T) {
	cfg := config.InstrumentConfig{Tags: map[string]string{"observability": "mittari"}}
	current := map[string]string{"observability": "mittari", "team": "payments"}

	req := BuildUpdateRequest(cfg, testRegion, snapshot("fnA"), current)

	assert.True(t, req.Empty())
}

func TestBuildUpdateRequest_TagValueDrift(t *testing.T) {
	cfg := config.InstrumentConfig{Tags: map[string]string{"observability": "mittari"}}
	current := map[string]string{"observability": "legacy"}

	req := BuildUpdateRequest(cfg, testRegion, snapshot("fnA"), current)

	require.NotNil(t, req.Tags)
	assert.Equal(t, map[string]string{"observability": "mittari"}, req.Tags.Add)
}

func TestBuildUpdateRequest_LogGroupFacet(t *testing.T) {
	cfg := config.InstrumentConfig{
		LogRetentionDays: 30,
		ForwarderARN:     "arn:aws:lambda:us-east-1:111122223333:function:forwarder",
		CreateLogGroups:  true,
	}

	req := BuildUpdateRequest(cfg, testRegion, snapshot("fnA"), nil)

	require.NotNil(t, req.Logs)
	assert.Equal(t, "/aws/lambda/fnA", req.Logs.LogGroupName)
	assert.True(t, req.Logs.Create)
	assert.Equal(t, int32(30), req.Logs.RetentionDays)
	assert.Equal(t, cfg.ForwarderARN, req.Logs.ForwarderARN)
}

func TestBuildUpdateRequest_ExplicitLogGroupRespected(t *testing.T) {
	cfg := config.InstrumentConfig{LogRetentionDays: 14}

	fn := snapshot("fnA")
	fn.LoggingConfig = &lambdatypes.LoggingConfig{LogGroup: aws.String("/custom/group")}

	req := BuildUpdateRequest(cfg, testRegion, fn, nil)

	require.NotNil(t, req.Logs)
	assert.Equal(t, "/custom/group", req.Logs.LogGroupName)
}

func TestBuildUpdateRequest_CarriesIdentity(t *testing.T) {
	req := BuildUpdateRequest(layerConfig(), testRegion, snapshot("fnA"), nil)

	assert.Equal(t, "fnA", req.FunctionName)
	assert.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:fnA", req.FunctionARN)
}
