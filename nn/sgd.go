package nn

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay, following the usual update
//
//	g = grad + weight_decay * w
//	v = momentum * v + g   (v = g on the first step)
//	w = w - lr * v
type SGD struct {
	Params      []*Parameter
	LR          float64
	Momentum    float64
	WeightDecay float64

	velocity [][]float64
}

func NewSGD(params []*Parameter, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		Params:      params,
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
	}
}

func (o *SGD) ZeroGrad() {
	ZeroGrad(o.Params)
}

func (o *SGD) Step() {
	if o.Momentum != 0 && o.velocity == nil {
		o.velocity = make([][]float64, len(o.Params))
	}
	for i, p := range o.Params {
		var v []float64
		first := false
		if o.Momentum != 0 {
			if o.velocity[i] == nil {
				o.velocity[i] = make([]float64, len(p.Data))
				first = true
			}
			v = o.velocity[i]
		}
		for j, g := range p.Grad {
			if o.WeightDecay != 0 {
				g += o.WeightDecay * p.Data[j]
			}
			if v != nil {
				if first {
					v[j] = g
				} else {
					v[j] = o.Momentum*v[j] + g
				}
				g = v[j]
			}
			p.Data[j] -= o.LR * g
		}
	}
}
