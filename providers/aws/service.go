// Package aws implements the Lambda control plane operations for mittari.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/mittari/orchestrator"
)

// forwarderFilterName is the subscription filter mittari owns on a log group.
// Removal only ever touches filters with this name.
const forwarderFilterName = "mittari-forwarder"

// Service talks to Lambda and CloudWatch Logs in a single region.
type Service struct {
	region       string
	lambdaClient LambdaAPI
	logsClient   LogsAPI
}

// NewService creates a Service for the given region using the default
// credential chain.
func NewService(ctx context.Context, region string) (*Service, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Service{
		region:       region,
		lambdaClient: lambda.NewFromConfig(awsCfg),
		logsClient:   cloudwatchlogs.NewFromConfig(awsCfg),
	}, nil
}

// Region returns the region this service operates in.
func (s *Service) Region() string {
	return s.region
}

// FunctionConfig fetches the current configuration of one function.
// The identifier may be a bare name or a full function ARN.
func (s *Service) FunctionConfig(ctx context.Context, name string) (lambdatypes.FunctionConfiguration, error) {
	out, err := s.lambdaClient.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(name),
	})
	if err != nil {
		return lambdatypes.FunctionConfiguration{}, fmt.Errorf("get function configuration: %w", err)
	}

	return configFromOutput(out), nil
}

// UpdateFunctionSettings applies a configuration patch to one function.
func (s *Service) UpdateFunctionSettings(ctx context.Context, patch *lambda.UpdateFunctionConfigurationInput) error {
	_, err := s.lambdaClient.UpdateFunctionConfiguration(ctx, patch)
	if err != nil {
		return fmt.Errorf("update function configuration: %w", err)
	}

	log.Debug().
		Str("function", aws.ToString(patch.FunctionName)).
		Str("region", s.region).
		Msg("function configuration updated")
	return nil
}

// TagFunction adds or overwrites tags on a function.
func (s *Service) TagFunction(ctx context.Context, functionARN string, tags map[string]string) error {
	_, err := s.lambdaClient.TagResource(ctx, &lambda.TagResourceInput{
		Resource: aws.String(functionARN),
		Tags:     tags,
	})
	if err != nil {
		return fmt.Errorf("tag resource: %w", err)
	}
	return nil
}

// UntagFunction removes tags from a function by key.
func (s *Service) UntagFunction(ctx context.Context, functionARN string, keys []string) error {
	_, err := s.lambdaClient.UntagResource(ctx, &lambda.UntagResourceInput{
		Resource: aws.String(functionARN),
		TagKeys:  keys,
	})
	if err != nil {
		return fmt.Errorf("untag resource: %w", err)
	}
	return nil
}

// FunctionTags fetches the current tags of a function.
func (s *Service) FunctionTags(ctx context.Context, functionARN string) (map[string]string, error) {
	out, err := s.lambdaClient.ListTags(ctx, &lambda.ListTagsInput{
		Resource: aws.String(functionARN),
	})
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return out.Tags, nil
}

// ConfigureLogGroup applies log group changes for one function.
func (s *Service) ConfigureLogGroup(ctx context.Context, update orchestrator.LogGroupUpdate) error {
	name := update.LogGroupName

	if update.Create {
		if err := s.ensureLogGroup(ctx, name); err != nil {
			return err
		}
	}

	if update.RetentionDays > 0 {
		_, err := s.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(name),
			RetentionInDays: aws.Int32(update.RetentionDays),
		})
		if err != nil {
			return fmt.Errorf("put retention policy: %w", err)
		}
	}

	if update.ClearRetention {
		_, err := s.logsClient.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: aws.String(name),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete retention policy: %w", err)
		}
	}

	if update.ForwarderARN != "" {
		_, err := s.logsClient.PutSubscriptionFilter(ctx, &cloudwatchlogs.PutSubscriptionFilterInput{
			LogGroupName:   aws.String(name),
			FilterName:     aws.String(forwarderFilterName),
			FilterPattern:  aws.String(""),
			DestinationArn: aws.String(update.ForwarderARN),
		})
		if err != nil {
			return fmt.Errorf("put subscription filter: %w", err)
		}
	}

	if update.RemoveForwarder {
		_, err := s.logsClient.DeleteSubscriptionFilter(ctx, &cloudwatchlogs.DeleteSubscriptionFilterInput{
			LogGroupName: aws.String(name),
			FilterName:   aws.String(forwarderFilterName),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete subscription filter: %w", err)
		}
	}

	return nil
}

func (s *Service) ensureLogGroup(ctx context.Context, name string) error {
	out, err := s.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("describe log groups: %w", err)
	}

	for _, lg := range out.LogGroups {
		if aws.ToString(lg.LogGroupName) == name {
			return nil
		}
	}

	_, err = s.logsClient.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		// Another writer may have created it between describe and create
		var exists *cwltypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create log group: %w", err)
	}

	log.Debug().Str("log_group", name).Str("region", s.region).Msg("log group created")
	return nil
}

func isNotFound(err error) bool {
	var nf *cwltypes.ResourceNotFoundException
	return errors.As(err, &nf)
}

func configFromOutput(out *lambda.GetFunctionConfigurationOutput) lambdatypes.FunctionConfiguration {
	return lambdatypes.FunctionConfiguration{
		FunctionName:               out.FunctionName,
		FunctionArn:                out.FunctionArn,
		Runtime:                    out.Runtime,
		Role:                       out.Role,
		Handler:                    out.Handler,
		Description:                out.Description,
		Timeout:                    out.Timeout,
		MemorySize:                 out.MemorySize,
		LastModified:               out.LastModified,
		Version:                    out.Version,
		Environment:                out.Environment,
		Layers:                     out.Layers,
		State:                      out.State,
		StateReason:                out.StateReason,
		StateReasonCode:            out.StateReasonCode,
		LastUpdateStatus:           out.LastUpdateStatus,
		LastUpdateStatusReason:     out.LastUpdateStatusReason,
		LastUpdateStatusReasonCode: out.LastUpdateStatusReasonCode,
		PackageType:                out.PackageType,
		Architectures:              out.Architectures,
		RevisionId:                 out.RevisionId,
		LoggingConfig:              out.LoggingConfig,
	}
}
