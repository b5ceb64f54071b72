package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ReturnsCachedService(t *testing.T) {
	reg := NewRegistry()
	svc := &Service{region: "us-east-1"}
	reg.services["us-east-1"] = svc

	got, err := reg.Service(context.Background(), "us-east-1")

	require.NoError(t, err)
	assert.Same(t, svc, got)
}

func TestRegistry_KeepsRegionsSeparate(t *testing.T) {
	reg := NewRegistry()
	east := &Service{region: "us-east-1"}
	west := &Service{region: "eu-west-1"}
	reg.services["us-east-1"] = east
	reg.services["eu-west-1"] = west

	gotEast, err := reg.Service(context.Background(), "us-east-1")
	require.NoError(t, err)
	gotWest, err := reg.Service(context.Background(), "eu-west-1")
	require.NoError(t, err)

	assert.Same(t, east, gotEast)
	assert.Same(t, west, gotWest)
	assert.NotSame(t, gotEast, gotWest)
}
