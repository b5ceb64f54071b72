// Package instrument turns desired instrumentation state into update
// requests and drives them across regions.
package instrument

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/mittari/fleet"
	"github.com/yairfalse/mittari/internal/config"
	"github.com/yairfalse/mittari/orchestrator"
)

// BuildUpdateRequest computes the update that brings one function to the
// desired instrumentation state. A converged function yields an empty
// request. A nil currentTags map means tags were not fetched; every
// configured tag is then applied.
func BuildUpdateRequest(cfg config.InstrumentConfig, region string, fn lambdatypes.FunctionConfiguration, currentTags map[string]string) orchestrator.UpdateRequest {
	req := orchestrator.UpdateRequest{
		FunctionName: aws.ToString(fn.FunctionName),
		FunctionARN:  aws.ToString(fn.FunctionArn),
	}

	current := layerARNs(fn)
	layers := desiredLayers(cfg, region, current)
	env := desiredEnv(cfg.Environment, currentEnv(fn))

	layersChanged := !slices.Equal(layers, current)
	envChanged := !maps.Equal(env, currentEnv(fn))

	if layersChanged || envChanged {
		patch := &lambda.UpdateFunctionConfigurationInput{
			FunctionName: fn.FunctionName,
		}
		// Nil fields leave the corresponding setting untouched
		if layersChanged {
			patch.Layers = layers
		}
		if envChanged {
			patch.Environment = &lambdatypes.Environment{Variables: env}
		}
		req.Config = patch
	}

	if missing := missingTags(cfg.Tags, currentTags); len(missing) > 0 {
		req.Tags = &orchestrator.TagUpdate{Add: missing}
	}

	req.Logs = logGroupUpdate(cfg, fn)

	return req
}

// desiredLayers merges every configured layer family into the current list.
func desiredLayers(cfg config.InstrumentConfig, region string, current []string) []string {
	merged := current
	for _, layer := range cfg.Layers {
		full := fleet.LayerVersionARN(region, cfg.LayerAccount, layer.Name, layer.Version)
		// Trailing colon keeps "tracer" from matching "tracer-extra"
		family := fleet.LayerFamilyARN(region, cfg.LayerAccount, layer.Name) + ":"
		merged = fleet.MergeLayerReference(full, family, merged)
	}
	return merged
}

// desiredEnv overlays the configured variables onto the existing ones.
// Configured values win on conflict.
func desiredEnv(overlay, current map[string]string) map[string]string {
	if len(overlay) == 0 {
		return current
	}
	merged := make(map[string]string, len(current)+len(overlay))
	maps.Copy(merged, current)
	maps.Copy(merged, overlay)
	return merged
}

// missingTags returns the configured tags not already present with the
// same value.
func missingTags(want, current map[string]string) map[string]string {
	if len(want) == 0 {
		return nil
	}
	if current == nil {
		return want
	}
	missing := make(map[string]string)
	for k, v := range want {
		if current[k] != v {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return missing
}

func logGroupUpdate(cfg config.InstrumentConfig, fn lambdatypes.FunctionConfiguration) *orchestrator.LogGroupUpdate {
	if cfg.LogRetentionDays == 0 && cfg.ForwarderARN == "" && !cfg.CreateLogGroups {
		return nil
	}
	return &orchestrator.LogGroupUpdate{
		LogGroupName:  functionLogGroup(fn),
		Create:        cfg.CreateLogGroups,
		RetentionDays: cfg.LogRetentionDays,
		ForwarderARN:  cfg.ForwarderARN,
	}
}

// functionLogGroup resolves the function's log group, preferring an
// explicit logging config over the default naming scheme.
func functionLogGroup(fn lambdatypes.FunctionConfiguration) string {
	if fn.LoggingConfig != nil && aws.ToString(fn.LoggingConfig.LogGroup) != "" {
		return aws.ToString(fn.LoggingConfig.LogGroup)
	}
	return "/aws/lambda/" + aws.ToString(fn.FunctionName)
}

func layerARNs(fn lambdatypes.FunctionConfiguration) []string {
	if len(fn.Layers) == 0 {
		return nil
	}
	arns := make([]string, 0, len(fn.Layers))
	for _, l := range fn.Layers {
		arns = append(arns, aws.ToString(l.Arn))
	}
	return arns
}

func currentEnv(fn lambdatypes.FunctionConfiguration) map[string]string {
	if fn.Environment == nil {
		return nil
	}
	return fn.Environment.Variables
}
