package instrument

import (
	"maps"
	"slices"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/mittari/fleet"
	"github.com/yairfalse/mittari/internal/config"
	"github.com/yairfalse/mittari/orchestrator"
)

// BuildRemovalRequest computes the update that strips managed
// instrumentation from one function. A function carrying none of the
// managed state yields an empty request.
func BuildRemovalRequest(cfg config.InstrumentConfig, region string, fn lambdatypes.FunctionConfiguration, currentTags map[string]string) orchestrator.UpdateRequest {
	req := orchestrator.UpdateRequest{
		FunctionName: aws.ToString(fn.FunctionName),
		FunctionARN:  aws.ToString(fn.FunctionArn),
	}

	current := layerARNs(fn)
	stripped := current
	for _, layer := range cfg.Layers {
		family := fleet.LayerFamilyARN(region, cfg.LayerAccount, layer.Name) + ":"
		stripped = fleet.RemoveLayerFamily(family, stripped)
	}

	env := currentEnv(fn)
	cleanedEnv, envChanged := withoutKeys(env, cfg.Environment)

	layersChanged := !slices.Equal(stripped, current)

	if layersChanged || envChanged {
		patch := &lambda.UpdateFunctionConfigurationInput{
			FunctionName: fn.FunctionName,
		}
		if layersChanged {
			// An empty non-nil slice clears the remaining layers
			patch.Layers = stripped
		}
		if envChanged {
			patch.Environment = &lambdatypes.Environment{Variables: cleanedEnv}
		}
		req.Config = patch
	}

	keys := presentTagKeys(cfg.Tags, currentTags)
	if len(keys) > 0 {
		req.Tags = &orchestrator.TagUpdate{Remove: keys}
	}

	// Log plumbing is only removed alongside other managed state.
	// A function with nothing managed left is assumed to carry no filter.
	managed := layersChanged || envChanged || len(keys) > 0
	if managed {
		logs := &orchestrator.LogGroupUpdate{
			LogGroupName:    functionLogGroup(fn),
			RemoveForwarder: cfg.ForwarderARN != "",
			ClearRetention:  cfg.ClearRetentionOnRemove && cfg.LogRetentionDays > 0,
		}
		if logs.RemoveForwarder || logs.ClearRetention {
			req.Logs = logs
		}
	}

	return req
}

// withoutKeys removes the overlay's keys from env. The bool reports
// whether anything was removed.
func withoutKeys(env, overlay map[string]string) (map[string]string, bool) {
	if len(overlay) == 0 || len(env) == 0 {
		return env, false
	}

	cleaned := maps.Clone(env)
	changed := false
	for k := range overlay {
		if _, ok := cleaned[k]; ok {
			delete(cleaned, k)
			changed = true
		}
	}

	if !changed {
		return env, false
	}
	return cleaned, true
}

// presentTagKeys returns the configured tag keys that exist on the
// function, sorted. A nil currentTags map means tags were not fetched;
// every configured key is then removed.
func presentTagKeys(want, current map[string]string) []string {
	if len(want) == 0 {
		return nil
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		if current != nil {
			if _, ok := current[k]; !ok {
				continue
			}
		}
		keys = append(keys, k)
	}

	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	return keys
}
