package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InstrumentsRecordAndGatherWithoutError(t *testing.T) {
	tel, err := New()
	require.NoError(t, err)

	ctx := context.Background()
	tel.RequestStarted(ctx, "/generate")
	tel.RequestFinished(ctx, "/generate", OutcomeServed, 0.25)
	tel.RequestFinished(ctx, "/generate", OutcomeErrored, 0)
	tel.RequestFinished(ctx, "/generate", OutcomeCancelled, 0)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "pyworker_inference_requests_active")
	assert.Contains(t, names, "pyworker_inference_requests_total")
	assert.Contains(t, names, "pyworker_inference_request_duration_seconds")
}
