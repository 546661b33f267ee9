package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "nvc-facilitator"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "http://127.0.0.1:4318",
		Insecure:    true,
		ServiceName: "nvc-facilitator",
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
