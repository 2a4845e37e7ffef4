package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

func TestAggregator_WeightedAverage(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)

	global := params(map[string][]float64{"w": {0}})
	proxies := []ProxyParams{
		{ProxyID: 0, Params: params(map[string][]float64{"w": {2}}), Weight: 0.25},
		{ProxyID: 1, Params: params(map[string][]float64{"w": {4}}), Weight: 0.75},
	}
	require.NoError(t, agg.Average(global, proxies))
	assert.InDelta(t, 3.5, global["w"].Data[0], 1e-12)
}

func TestAggregator_RenormalisesWeights(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)

	global := params(map[string][]float64{"w": {0}})
	proxies := []ProxyParams{
		{ProxyID: 0, Params: params(map[string][]float64{"w": {2}}), Weight: 1},
		{ProxyID: 1, Params: params(map[string][]float64{"w": {4}}), Weight: 3},
	}
	require.NoError(t, agg.Average(global, proxies))
	assert.InDelta(t, 3.5, global["w"].Data[0], 1e-12)
}

func TestAggregator_IdenticalReplicasAreIdentity(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyAverage)
	require.NoError(t, err)

	replica := params(map[string][]float64{"a": {1.5, -2, 3}, "b": {0.25}})
	global := replica.Clone()
	proxies := []ProxyParams{
		{ProxyID: 0, Params: replica.Clone(), Weight: 0.2},
		{ProxyID: 1, Params: replica.Clone(), Weight: 0.5},
		{ProxyID: 2, Params: replica.Clone(), Weight: 0.3},
	}
	require.NoError(t, agg.Average(global, proxies))
	assert.True(t, global.Equal(replica, 1e-12))
}

func TestAggregator_ShapeMismatchWritesNothing(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)

	global := params(map[string][]float64{"w": {1, 1}})
	before := global.Clone()
	proxies := []ProxyParams{
		{ProxyID: 0, Params: params(map[string][]float64{"w": {5, 5}}), Weight: 0.5},
		{ProxyID: 1, Params: params(map[string][]float64{"w": {5, 5, 5}}), Weight: 0.5},
	}

	err = agg.Average(global, proxies)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))

	var flErr *models.FLError
	require.True(t, errors.As(err, &flErr))
	assert.Equal(t, 1, flErr.ProxyID)
	assert.Equal(t, "w", flErr.Tensor)
	assert.True(t, global.Equal(before, 0))
}

func TestAggregator_MissingTensor(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)

	global := params(map[string][]float64{"w": {1}, "b": {1}})
	proxies := []ProxyParams{{ProxyID: 2, Params: params(map[string][]float64{"w": {1}}), Weight: 1}}

	err = agg.Average(global, proxies)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindShapeMismatch, kind)
}

func TestAggregator_BufferPolicies(t *testing.T) {
	build := func() (tensor.Params, []ProxyParams) {
		global := tensor.Params{"w": tensor.New(true, 1), "mean": tensor.New(false, 1)}
		a := global.Clone()
		a["w"].Data[0], a["mean"].Data[0] = 1, 10
		b := global.Clone()
		b["w"].Data[0], b["mean"].Data[0] = 3, 30
		return global, []ProxyParams{{ProxyID: 0, Params: a, Weight: 0.5}, {ProxyID: 1, Params: b, Weight: 0.5}}
	}

	first, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)
	global, proxies := build()
	require.NoError(t, first.Average(global, proxies))
	assert.InDelta(t, 2.0, global["w"].Data[0], 1e-12)
	assert.InDelta(t, 10.0, global["mean"].Data[0], 1e-12)

	average, err := NewAggregator(config.BufferPolicyAverage)
	require.NoError(t, err)
	global, proxies = build()
	require.NoError(t, average.Average(global, proxies))
	assert.InDelta(t, 20.0, global["mean"].Data[0], 1e-12)
}

func TestAggregator_InvalidWeights(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)
	global := params(map[string][]float64{"w": {0}})

	err = agg.Average(global, []ProxyParams{{Params: params(map[string][]float64{"w": {1}}), Weight: 0}})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	err = agg.Average(global, []ProxyParams{{Params: params(map[string][]float64{"w": {1}}), Weight: -1}})
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	err = agg.Average(global, nil)
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	_, err = NewAggregator("median")
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestAggregator_Redistribute(t *testing.T) {
	agg, err := NewAggregator(config.BufferPolicyFirst)
	require.NoError(t, err)

	global := params(map[string][]float64{"w": {7, 8}})
	targets := []ProxyParams{
		{ProxyID: 0, Params: params(map[string][]float64{"w": {0, 0}})},
		{ProxyID: 1, Params: params(map[string][]float64{"w": {1, 1}})},
	}
	require.NoError(t, agg.Redistribute(global, targets))
	for _, target := range targets {
		assert.True(t, target.Params.Equal(global, 0))
	}

	targets[0].Params["w"].Data[0] = 100
	assert.Equal(t, 7.0, global["w"].Data[0], "redistribution copies, never aliases")

	bad := []ProxyParams{
		{ProxyID: 0, Params: params(map[string][]float64{"w": {0, 0}})},
		{ProxyID: 1, Params: params(map[string][]float64{"w": {0}})},
	}
	err = agg.Redistribute(global, bad)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
	assert.Equal(t, 0.0, bad[0].Params["w"].Data[0])
}
