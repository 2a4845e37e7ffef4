package training

import (
	"fmt"
	"math"

	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

type AdamWConfig struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Moment is the first and second moment of one parameter tensor.
type Moment struct {
	M []float64 `json:"m"`
	V []float64 `json:"v"`
}

// OptimizerState is the serializable AdamW state.
type OptimizerState struct {
	Step    int               `json:"step"`
	Beta1   float64           `json:"beta1"`
	Beta2   float64           `json:"beta2"`
	Eps     float64           `json:"eps"`
	Moments map[string]Moment `json:"moments"`
}

// AdamW with decoupled weight decay. Tensors with fewer than two dimensions
// (biases, normalization scales) are not decayed.
type AdamW struct {
	cfg     AdamWConfig
	step    int
	moments map[string]*Moment
}

func NewAdamW(params tensor.Params, cfg AdamWConfig) *AdamW {
	moments := make(map[string]*Moment)
	for name, t := range params {
		if !t.Trainable {
			continue
		}
		moments[name] = &Moment{
			M: make([]float64, t.Len()),
			V: make([]float64, t.Len()),
		}
	}
	return &AdamW{cfg: cfg, moments: moments}
}

func (o *AdamW) StepCount() int {
	return o.step
}

// Step applies one update using grads, which must cover every trainable
// tensor in params.
func (o *AdamW) Step(params, grads tensor.Params, lr, weightDecay float64) error {
	o.step++
	bc1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for _, name := range params.Names() {
		p := params[name]
		if !p.Trainable {
			continue
		}
		g, ok := grads[name]
		if !ok || g.Len() != p.Len() {
			return fmt.Errorf("missing or malformed gradient for %q", name)
		}
		m, ok := o.moments[name]
		if !ok {
			return fmt.Errorf("no optimizer state for %q", name)
		}

		decay := 0.0
		if p.Dims() > 1 {
			decay = weightDecay
		}

		for i, gi := range g.Data {
			p.Data[i] *= 1 - lr*decay
			m.M[i] = o.cfg.Beta1*m.M[i] + (1-o.cfg.Beta1)*gi
			m.V[i] = o.cfg.Beta2*m.V[i] + (1-o.cfg.Beta2)*gi*gi
			mHat := m.M[i] / bc1
			vHat := m.V[i] / bc2
			p.Data[i] -= lr * mHat / (math.Sqrt(vHat) + o.cfg.Eps)
		}
	}
	return nil
}

func (o *AdamW) State() OptimizerState {
	moments := make(map[string]Moment, len(o.moments))
	for name, m := range o.moments {
		moments[name] = Moment{
			M: append([]float64(nil), m.M...),
			V: append([]float64(nil), m.V...),
		}
	}
	return OptimizerState{
		Step:    o.step,
		Beta1:   o.cfg.Beta1,
		Beta2:   o.cfg.Beta2,
		Eps:     o.cfg.Eps,
		Moments: moments,
	}
}

func (o *AdamW) LoadState(state OptimizerState) error {
	for name, m := range o.moments {
		saved, ok := state.Moments[name]
		if !ok {
			return fmt.Errorf("optimizer state missing %q", name)
		}
		if len(saved.M) != len(m.M) || len(saved.V) != len(m.V) {
			return fmt.Errorf("optimizer state for %q has wrong length", name)
		}
	}
	for name, m := range o.moments {
		copy(m.M, state.Moments[name].M)
		copy(m.V, state.Moments[name].V)
	}
	o.step = state.Step
	o.cfg = AdamWConfig{Beta1: state.Beta1, Beta2: state.Beta2, Eps: state.Eps}
	return nil
}

// ClipGradNorm rescales grads in place so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables
// clipping.
func ClipGradNorm(grads tensor.Params, maxNorm float64) float64 {
	norm := grads.L2Norm()
	if maxNorm > 0 && norm > maxNorm {
		grads.Scale(maxNorm / (norm + 1e-6))
	}
	return norm
}
