package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// Registry caches one Service per region. Regional clients are created
// lazily on first use and shared across the run.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Service),
	}
}

// Service returns the cached Service for a region, creating it on first use.
func (r *Registry) Service(ctx context.Context, region string) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[region]; ok {
		return svc, nil
	}

	svc, err := NewService(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("create service for %s: %w", region, err)
	}

	r.services[region] = svc
	return svc, nil
}

// Regions discovers the account's enabled regions using a client anchored
// in the given region.
func (r *Registry) Regions(ctx context.Context, region string) ([]string, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return DiscoverRegions(ctx, ec2.NewFromConfig(awsCfg))
}
