package orchestrator

import (
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// TagUpdate is the tag facet of an update: keys to add or overwrite and
// keys to remove. Applied as one unit.
type TagUpdate struct {
	Add    map[string]string `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

func (t *TagUpdate) empty() bool {
	return t == nil || (len(t.Add) == 0 && len(t.Remove) == 0)
}

// LogGroupUpdate is the log-group facet: ensure the group exists, set or
// clear retention, and manage the forwarder subscription filter.
type LogGroupUpdate struct {
	LogGroupName    string `json:"log_group_name"`
	Create          bool   `json:"create,omitempty"`
	RetentionDays   int32  `json:"retention_days,omitempty"` // 0 leaves retention untouched
	ClearRetention  bool   `json:"clear_retention,omitempty"`
	ForwarderARN    string `json:"forwarder_arn,omitempty"` // non-empty sets the subscription filter
	RemoveForwarder bool   `json:"remove_forwarder,omitempty"`
}

// UpdateRequest carries up to three independent facets for one function.
// A nil facet means nothing to change on that facet.
type UpdateRequest struct {
	// FunctionName is a name or full ARN, as accepted by the management API.
	FunctionName string `json:"function_name"`
	// FunctionARN is the full ARN; required when Tags is set.
	FunctionARN string `json:"function_arn,omitempty"`

	Config *lambda.UpdateFunctionConfigurationInput `json:"config,omitempty"`
	Tags   *TagUpdate                               `json:"tags,omitempty"`
	Logs   *LogGroupUpdate                          `json:"logs,omitempty"`
}

// Empty reports whether the request changes nothing.
func (r UpdateRequest) Empty() bool {
	return r.Config == nil && r.Tags.empty() && r.Logs == nil
}
