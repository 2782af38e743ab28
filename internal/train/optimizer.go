package train

import (
	"fmt"
	"math"

	"tunedlens/internal/lens"
	"tunedlens/internal/model"
)

// Param is one flat trainable parameter with its gradient accumulator. Data
// aliases the translator's backing array, so optimizer updates apply to the
// lens in place.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// layerParams holds one translator's trainable parameter handles. weight is
// nil when translator weights are frozen, bias when the lens has none.
type layerParams struct {
	weight *Param
	bias   *Param
}

// paramSet is the full trainable surface of a lens: a flat view for the
// optimizer and clipping, and a per-layer view for gradient accumulation.
type paramSet struct {
	flat    []*Param
	byLayer []layerParams
}

// collectParams gathers the trainable parameters of a tuned lens, one weight
// and (when present) one bias entry per translator. With constantBias set,
// translator weights are frozen and only bias terms are collected.
func collectParams(l *lens.TunedLens, constantBias bool) (paramSet, error) {
	set := paramSet{
		flat:    make([]*Param, 0, 2*l.NumLayers()),
		byLayer: make([]layerParams, l.NumLayers()),
	}
	for i := 0; i < l.NumLayers(); i++ {
		t, err := l.Translator(i)
		if err != nil {
			return paramSet{}, err
		}
		if !constantBias {
			data := t.Weight.RawMatrix().Data
			p := &Param{
				Name: fmt.Sprintf("%d.weight", i),
				Data: data,
				Grad: make([]float64, len(data)),
			}
			set.flat = append(set.flat, p)
			set.byLayer[i].weight = p
		}
		if t.Bias != nil {
			data := t.Bias.RawVector().Data
			p := &Param{
				Name: fmt.Sprintf("%d.bias", i),
				Data: data,
				Grad: make([]float64, len(data)),
			}
			set.flat = append(set.flat, p)
			set.byLayer[i].bias = p
		}
	}
	if len(set.flat) == 0 {
		return paramSet{}, fmt.Errorf("%w: no trainable parameters (constant-bias training requires a lens with bias terms)", model.ErrConfig)
	}
	return set, nil
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// clipGradNorm clips the global gradient norm over all parameters to maxNorm.
func clipGradNorm(params []*Param, maxNorm float64) {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += g * g
		}
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm {
		return
	}
	scale := maxNorm / norm
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
}

// Optimizer applies accumulated gradients to its parameters.
type Optimizer interface {
	Step(lr float64)
}

func newOptimizer(kind OptimizerKind, params []*Param, cfg Config) (Optimizer, error) {
	switch kind {
	case OptimizerSGD:
		return newSGD(params, cfg.Momentum, cfg.WeightDecay), nil
	case OptimizerAdam:
		return newAdam(params, cfg.Momentum, 0.999, 1e-8, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", model.ErrConfig, kind)
	}
}

// sgd implements SGD with Nesterov momentum. The base learning rate is
// pre-scaled by (1-momentum) in Config.baseLR to undo momentum's implicit
// 1/(1-momentum) amplification of the effective step size.
type sgd struct {
	params      []*Param
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

func newSGD(params []*Param, momentum, weightDecay float64) *sgd {
	velocity := make([][]float64, len(params))
	for i, p := range params {
		velocity[i] = make([]float64, len(p.Data))
	}
	return &sgd{params: params, momentum: momentum, weightDecay: weightDecay, velocity: velocity}
}

func (o *sgd) Step(lr float64) {
	for i, p := range o.params {
		v := o.velocity[i]
		for j := range p.Data {
			g := p.Grad[j] + o.weightDecay*p.Data[j]
			v[j] = o.momentum*v[j] + g
			p.Data[j] -= lr * (g + o.momentum*v[j])
		}
	}
}

// adam implements Adam with the AMSGrad variant, which keeps the running
// maximum of the second moment so the effective learning rate actually
// decays.
type adam struct {
	params      []*Param
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m    [][]float64
	v    [][]float64
	vMax [][]float64
	t    int
}

func newAdam(params []*Param, beta1, beta2, epsilon, weightDecay float64) *adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	vMax := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, len(p.Data))
		v[i] = make([]float64, len(p.Data))
		vMax[i] = make([]float64, len(p.Data))
	}
	return &adam{
		params:      params,
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
		vMax:        vMax,
	}
}

func (o *adam) Step(lr float64) {
	o.t++
	bias1 := 1.0 - math.Pow(o.beta1, float64(o.t))
	bias2 := 1.0 - math.Pow(o.beta2, float64(o.t))

	for i, p := range o.params {
		m, v, vMax := o.m[i], o.v[i], o.vMax[i]
		for j := range p.Data {
			g := p.Grad[j] + o.weightDecay*p.Data[j]
			m[j] = o.beta1*m[j] + (1.0-o.beta1)*g
			v[j] = o.beta2*v[j] + (1.0-o.beta2)*g*g
			vHat := v[j] / bias2
			if vHat > vMax[j] {
				vMax[j] = vHat
			}
			mHat := m[j] / bias1
			p.Data[j] -= lr * mHat / (math.Sqrt(vMax[j]) + o.epsilon)
		}
	}
}
