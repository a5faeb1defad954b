package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/invoker/mock"
)

func cand(id, region string) tierrouter.DeploymentCandidate {
	return tierrouter.DeploymentCandidate{ID: id, Region: region}
}

func TestInvoker_ScriptedSteps(t *testing.T) {
	ctx := context.Background()
	m := mock.New(mock.WithUsage(tierrouter.Usage{InputUnits: 1, OutputUnits: 2}))
	m.On("d1@eastus", mock.Fail(tierrouter.ErrRateLimited), mock.Succeed(tierrouter.Usage{InputUnits: 7}))

	_, err := m.Invoke(ctx, cand("d1", "eastus"), tierrouter.Payload{})
	assert.True(t, errors.Is(err, tierrouter.ErrRateLimited))

	res, err := m.Invoke(ctx, cand("d1", "eastus"), tierrouter.Payload{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Usage.InputUnits)

	// Queue drained: default success.
	res, err = m.Invoke(ctx, cand("d1", "eastus"), tierrouter.Payload{})
	require.NoError(t, err)
	assert.Equal(t, tierrouter.Usage{InputUnits: 1, OutputUnits: 2}, res.Usage)
	assert.Equal(t, "Hello from d1@eastus", res.Content)

	// The other region is untouched by the region-specific script.
	_, err = m.Invoke(ctx, cand("d1", "westus"), tierrouter.Payload{})
	require.NoError(t, err)

	assert.Equal(t, 3, m.Calls("d1@eastus"))
	assert.Equal(t, 1, m.Calls("d1@westus"))
	assert.Equal(t, 4, m.Total())
	assert.Equal(t, []string{"d1@eastus", "d1@eastus", "d1@eastus", "d1@westus"}, m.Order())
}

func TestInvoker_AlwaysByID(t *testing.T) {
	m := mock.New()
	m.Always("d1", mock.Fail(tierrouter.ErrTimeout))

	for _, region := range []string{"eastus", "westus", ""} {
		_, err := m.Invoke(context.Background(), cand("d1", region), tierrouter.Payload{})
		assert.True(t, errors.Is(err, tierrouter.ErrTimeout))
	}
}

func TestInvoker_HangReturnsUsageOnCancel(t *testing.T) {
	m := mock.New()
	m.On("d1", mock.Hang(tierrouter.Usage{InputUnits: 4}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := m.Invoke(ctx, cand("d1", ""), tierrouter.Payload{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int64(4), res.Usage.InputUnits)
}

func TestInvoker_Latency(t *testing.T) {
	m := mock.New(mock.WithLatency(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Invoke(ctx, cand("d1", ""), tierrouter.Payload{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
