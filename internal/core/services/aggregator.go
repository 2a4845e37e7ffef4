package services

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

// ProxyParams is one proxy's contribution to an average.
type ProxyParams struct {
	ProxyID int
	Params  tensor.Params
	Weight  float64
}

// Aggregator merges proxy parameters into the global model with
// sample-weighted federated averaging.
type Aggregator struct {
	bufferPolicy string
}

func NewAggregator(bufferPolicy string) (*Aggregator, error) {
	switch bufferPolicy {
	case config.BufferPolicyFirst, config.BufferPolicyAverage:
		return &Aggregator{bufferPolicy: bufferPolicy}, nil
	default:
		return nil, models.NewConfigurationError("unknown buffer policy %q", bufferPolicy)
	}
}

// Average writes sum_i w_i * p_i into every trainable tensor of global,
// with the weights renormalised to sum to 1. Buffers are copied from the
// first proxy or averaged, per the buffer policy. Every proxy is validated
// before anything is written, so a failed call leaves global untouched.
func (a *Aggregator) Average(global tensor.Params, proxies []ProxyParams) error {
	if len(proxies) == 0 {
		return models.NewConfigurationError("no proxies to aggregate")
	}

	total := 0.0
	for _, p := range proxies {
		if err := p.Params.CompareLayout(global); err != nil {
			return shapeMismatch(p.ProxyID, err)
		}
		if p.Weight < 0 || math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
			return models.NewConfigurationError("proxy %d has invalid weight %g", p.ProxyID, p.Weight)
		}
		total += p.Weight
	}
	if total <= 0 {
		return models.NewConfigurationError("aggregation weights sum to zero")
	}

	names := global.Names()
	scratch := make(map[string][]float64, len(names))
	for _, name := range names {
		buf := make([]float64, global[name].Len())
		if !global[name].Trainable && a.bufferPolicy == config.BufferPolicyFirst {
			copy(buf, proxies[0].Params[name].Data)
		} else {
			for _, p := range proxies {
				floats.AddScaled(buf, p.Weight/total, p.Params[name].Data)
			}
		}
		scratch[name] = buf
	}

	for _, name := range names {
		copy(global[name].Data, scratch[name])
	}
	return nil
}

// Redistribute copies the global parameters, buffers included, into every
// target. Layouts are checked for all targets first.
func (a *Aggregator) Redistribute(global tensor.Params, targets []ProxyParams) error {
	for _, t := range targets {
		if err := t.Params.CompareLayout(global); err != nil {
			return shapeMismatch(t.ProxyID, err)
		}
	}
	for _, t := range targets {
		if err := t.Params.CopyFrom(global); err != nil {
			return shapeMismatch(t.ProxyID, err)
		}
	}
	return nil
}

func shapeMismatch(proxyID int, err error) error {
	var layoutErr *tensor.LayoutError
	name := ""
	if errors.As(err, &layoutErr) {
		name = layoutErr.Tensor
	}
	return models.NewShapeMismatchError(proxyID, name, err)
}
