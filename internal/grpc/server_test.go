package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"reseller-service/internal/testutil"
)

func TestCheck_FollowsDatabase(t *testing.T) {
	db := testutil.NewDB(t)
	s := NewServer(db)
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Check(ctx))
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Check(ctx))
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
