package nnet

import (
	"fmt"

	"github.com/martinkarlik/X-IAA/num"
)

// Adam optimiser with first and second moment estimates for each parameter array.
type Adam struct {
	Eta, Beta1, Beta2, Epsilon float64
	Step                       int
	queue                      num.Queue
	params, grads              []num.Array
	m, v                       []num.Array
}

// NewAdam creates a new optimiser for the parameters of the network.
// Zero settings in the config take the usual defaults.
func NewAdam(net *Network) *Adam {
	o := &Adam{Eta: net.Eta, Beta1: net.Beta1, Beta2: net.Beta2, Epsilon: net.Epsilon, queue: net.queue}
	if o.Eta == 0 {
		o.Eta = 0.001
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.9
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.999
	}
	if o.Epsilon == 0 {
		o.Epsilon = 1e-7
	}
	for _, layer := range net.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			dW, dB := l.ParamGrads()
			o.params = append(o.params, W, B)
			o.grads = append(o.grads, dW, dB)
		}
	}
	for _, p := range o.params {
		o.m = append(o.m, o.queue.NewArrayLike(p))
		o.v = append(o.v, o.queue.NewArrayLike(p))
	}
	return o
}

// Update applies one optimisation step using the current gradients.
func (o *Adam) Update() {
	o.Step++
	for i, p := range o.params {
		o.queue.Call(num.Adam(p, o.grads[i], o.m[i], o.v[i], o.Eta, o.Beta1, o.Beta2, o.Epsilon, o.Step))
	}
}

func (o *Adam) String() string {
	return fmt.Sprintf("adam eta=%g beta1=%g beta2=%g epsilon=%g step=%d", o.Eta, o.Beta1, o.Beta2, o.Epsilon, o.Step)
}

// Optimizer returns the network's optimiser, creating it on first use.
func (n *Network) Optimizer() *Adam {
	if n.opt == nil {
		n.opt = NewAdam(n)
	}
	return n.opt
}
