package training

const (
	defaultGrowthFactor   = 2.0
	defaultBackoffFactor  = 0.5
	defaultGrowthInterval = 2000
)

type ScalerState struct {
	Scale         float64 `json:"scale"`
	GrowthTracker int     `json:"growth_tracker"`
}

// LossScaler is a dynamic loss scaler. Steps with non-finite gradients are
// skipped and shrink the scale; a run of finite steps grows it again. When
// disabled the scale stays at 1 but overflow steps are still reported.
type LossScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int
}

func NewLossScaler(initScale float64, enabled bool) *LossScaler {
	if !enabled || initScale <= 0 {
		initScale = 1
	}
	return &LossScaler{
		enabled:        enabled,
		scale:          initScale,
		growthFactor:   defaultGrowthFactor,
		backoffFactor:  defaultBackoffFactor,
		growthInterval: defaultGrowthInterval,
	}
}

func (s *LossScaler) Scale() float64 {
	return s.scale
}

// Update records the outcome of one step.
func (s *LossScaler) Update(foundNonFinite bool) {
	if !s.enabled {
		return
	}
	if foundNonFinite {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker == s.growthInterval {
		s.scale *= s.growthFactor
		s.growthTracker = 0
	}
}

func (s *LossScaler) State() ScalerState {
	return ScalerState{Scale: s.scale, GrowthTracker: s.growthTracker}
}

func (s *LossScaler) LoadState(state ScalerState) {
	if state.Scale > 0 {
		s.scale = state.Scale
	}
	s.growthTracker = state.GrowthTracker
}
