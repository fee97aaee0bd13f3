// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/martinkarlik/X-IAA/num"
	"github.com/pkg/errors"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	RunID     string
	BatchSize int
	queue     num.Queue
	inShape   []int
	outShape  []int
	opt       *Adam
	inputGrad num.Array
	diffs     num.Array
	batchMSE  num.Array
	batchMAE  num.Array
	penalty   num.Array
}

// New function creates a new network with the given layers. inShape is the shape of a single
// input sample excluding the batch dimension.
func New(queue num.Queue, conf Config, batchSize int, inShape []int, rng *rand.Rand) (*Network, error) {
	outShape, err := CheckShape(conf, inShape)
	if err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	n := &Network{Config: conf, RunID: uuid.NewString(), BatchSize: batchSize, queue: queue}
	n.inShape = append([]int{batchSize}, inShape...)
	n.outShape = append([]int{batchSize}, outShape...)
	shape := n.inShape
	var prev Layer
	for _, l := range conf.Layers {
		layer := l.Unmarshal()
		layer.Init(queue, shape, prev, rng)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
		prev = layer
	}
	n.inputGrad = queue.NewArray(n.outShape...)
	n.diffs = queue.NewArray(n.outShape...)
	n.batchMSE = queue.NewArray(1)
	n.batchMAE = queue.NewArray(1)
	n.penalty = queue.NewArray(1)
	return n, nil
}

// Input shape including the batch dimension
func (n *Network) InShape() []int { return n.inShape }

// Output shape including the batch dimension
func (n *Network) OutShape() []int { return n.outShape }

// Initialise network weights using the Glorot uniform distribution, biases are set to zero.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(rng)
		}
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Copy weights, bias and moving statistics to destination net
func (n *Network) CopyTo(net *Network) {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			net.Layers[i].(ParamLayer).SetParams(W, B)
		}
		if l, ok := layer.(StatsLayer); ok {
			mean, variance := l.MovingStats()
			mean2, variance2 := net.Layers[i].(StatsLayer).MovingStats()
			net.queue.Call(num.Copy(mean2, mean), num.Copy(variance2, variance))
		}
	}
}

// Feed forward the input to get the predicted output. If train is set then dropout is applied
// and batch normalisation uses the batch statistics.
func (n *Network) Fprop(input num.Array, train bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 && pred != nil {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred, train)
	}
	return pred
}

// Back propagate the gradient of the loss with respect to the output.
func (n *Network) Bprop(grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0 && grad != nil; i-- {
		grad = n.Layers[i].Bprop(grad)
		if n.DebugLevel >= 3 && grad != nil {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
}

// Predict output given input data
func (n *Network) Predict(input num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 2 {
		fmt.Printf("yPred\n%s", yPred.String(n.queue))
	}
	return yPred
}

// BatchLoss calculates the mean squared and mean absolute error of the prediction and,
// if grad is set, the gradient of the configured loss with respect to yPred.
func (n *Network) BatchLoss(yPred, y num.Array, grad bool) (mse, mae float64) {
	q := n.queue
	scale := 1 / float32(yPred.Size())
	q.Call(
		num.QuadraticLoss(yPred, y, n.diffs),
		num.Sum(n.diffs, n.batchMSE, scale),
		num.AbsLoss(yPred, y, n.diffs),
		num.Sum(n.diffs, n.batchMAE, scale),
	)
	if grad {
		if n.Config.Loss == "mae" {
			q.Call(
				num.SignDiff(yPred, y, n.inputGrad),
				num.Scale(scale, n.inputGrad),
			)
		} else {
			q.Call(
				num.Copy(n.inputGrad, yPred),
				num.Axpy(-1, y, n.inputGrad),
				num.Scale(2*scale, n.inputGrad),
			)
		}
	}
	res := make([]float32, 2)
	q.Call(
		num.Read(n.batchMSE, res[:1]),
		num.Read(n.batchMAE, res[1:]),
	).Finish()
	return float64(res[0]), float64(res[1])
}

// Penalty returns the L2 regularisation term Lambda * sum(w**2) over the regularized layers.
func (n *Network) Penalty() float64 {
	if n.Lambda == 0 {
		return 0
	}
	total := 0.0
	res := []float32{0}
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok && l.Regularized() {
			W, _ := l.Params()
			n.queue.Call(
				num.SumSquares(W, n.penalty, float32(n.Lambda)),
				num.Read(n.penalty, res),
			).Finish()
			total += float64(res[0])
		}
	}
	return total
}

// Add the gradient of the L2 penalty, 2 * Lambda * w, to the weight gradients.
func (n *Network) penaltyGrad() {
	if n.Lambda == 0 {
		return
	}
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok && l.Regularized() {
			W, _ := l.Params()
			dW, _ := l.ParamGrads()
			n.queue.Call(num.Axpy(float32(2*n.Lambda), W, dW))
		}
	}
}

// Number of trainable and non-trainable parameters for the layer
func paramCount(layer Layer) (trainable, fixed int) {
	if l, ok := layer.(ParamLayer); ok {
		W, B := l.Params()
		trainable = W.Size() + B.Size()
	}
	if l, ok := layer.(StatsLayer); ok {
		mean, variance := l.MovingStats()
		fixed = mean.Size() + variance.Size()
	}
	return
}

// Print network description
func (n *Network) String() string {
	s := []string{fmt.Sprintf("== Network %s ==", n.RunID), fmt.Sprintf("    %-40s %-20s %10s", "layer", "output shape", "params")}
	shape := n.inShape
	total, fixed := 0, 0
	for i, layer := range n.Layers {
		shape = layer.OutShape(shape)
		p, f := paramCount(layer)
		total += p
		fixed += f
		s = append(s, fmt.Sprintf("%2d: %-40s %-20v %10d", i, layer.ToString(), shape[1:], p+f))
	}
	s = append(s,
		fmt.Sprintf("input: %v  total params: %d  trainable: %d  non-trainable: %d", n.inShape[1:], total+fixed, total, fixed),
		fmt.Sprintf("device: %s  threads: %d", num.DeviceInfo(), n.queue.Threads()),
	)
	return strings.Join(s, "\n")
}

// Print network weights
func (n *Network) PrintWeights() {
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			fmt.Printf("== Layer %d weights ==\n%s %s\n", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	fmt.Println("random seed =", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
