package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/martinkarlik/X-IAA/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net.
// Input and output arrays have the batch size as the first dimension.
type Layer interface {
	Init(q num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array, train bool) num.Array
	Bprop(grad num.Array) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
	// Regularized is true if the L2 weight penalty applies to this layer's weights
	Regularized() bool
}

// StatsLayer is a layer with non-trainable running statistics which are saved with the model.
type StatsLayer interface {
	Layer
	MovingStats() (mean, variance num.Array)
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		cfg := new(BatchNorm)
		return cfg.unmarshal(l.Data)
	case "dense":
		cfg := new(Dense)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "dropout":
		cfg := new(Dropout)
		return cfg.unmarshal(l.Data)
	case "flatten":
		return &flatten{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

// Validate decodes the layer settings and checks they are in range, so that Unmarshal will succeed.
func (l LayerConfig) Validate() error {
	decode := func(v interface{}) error {
		if len(l.Data) == 0 {
			return nil
		}
		return errors.Wrapf(json.Unmarshal(l.Data, v), "%s layer", l.Type)
	}
	padding := func(p string) error {
		if p != "" && p != "valid" && p != "same" {
			return errors.Errorf("%s layer: invalid padding %q", l.Type, p)
		}
		return nil
	}
	switch l.Type {
	case "conv":
		var c Conv
		if err := decode(&c); err != nil {
			return err
		}
		if c.Nfeats <= 0 || c.Size <= 0 || c.Stride <= 0 {
			return errors.Errorf("conv layer: invalid settings %+v", c)
		}
		return padding(c.Padding)
	case "maxPool":
		var c MaxPool
		if err := decode(&c); err != nil {
			return err
		}
		if c.Size <= 0 || c.Stride <= 0 {
			return errors.Errorf("maxPool layer: invalid settings %+v", c)
		}
		return padding(c.Padding)
	case "batchNorm":
		var c BatchNorm
		if err := decode(&c); err != nil {
			return err
		}
		if c.Momentum < 0 || c.Momentum >= 1 || c.Epsilon < 0 {
			return errors.Errorf("batchNorm layer: invalid settings %+v", c)
		}
	case "dense":
		var c Dense
		if err := decode(&c); err != nil {
			return err
		}
		if c.Nout <= 0 {
			return errors.Errorf("dense layer: invalid output size %d", c.Nout)
		}
	case "activation":
		var c Activation
		if err := decode(&c); err != nil {
			return err
		}
		if c.Atype != "relu" && c.Atype != "linear" {
			return errors.Errorf("activation layer: invalid type %q", c.Atype)
		}
	case "dropout":
		var c Dropout
		if err := decode(&c); err != nil {
			return err
		}
		if c.Ratio < 0 || c.Ratio >= 1 {
			return errors.Errorf("dropout layer: invalid ratio %g", c.Ratio)
		}
	case "flatten":
	default:
		return errors.Errorf("invalid layer type %q", l.Type)
	}
	return nil
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Check that the layers in the config can be applied to an input of the given shape,
// where inShape excludes the batch dimension. Returns the output shape.
func CheckShape(conf Config, inShape []int) ([]int, error) {
	if len(conf.Layers) == 0 {
		return nil, errors.New("network has no layers")
	}
	shape := append([]int{1}, inShape...)
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("invalid input shape %v", inShape)
		}
	}
	for i, lc := range conf.Layers {
		if err := lc.Validate(); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		var rank int
		switch lc.Type {
		case "conv", "maxPool":
			rank = 4
		case "dense":
			rank = 2
		}
		if rank != 0 && len(shape) != rank {
			return nil, errors.Errorf("layer %d: %s expects %d dimensional input, got %v", i, lc.Type, rank, shape[1:])
		}
		out := lc.Unmarshal().OutShape(shape)
		for _, dim := range out {
			if dim <= 0 {
				return nil, errors.Errorf("layer %d: %s input shape %v too small", i, lc, shape[1:])
			}
		}
		shape = out
	}
	return shape[1:], nil
}

// Convolutional layer with channels last input, implements ParamLayer interface.
// Padding is "valid" or "same".
type Conv struct {
	Nfeats, Size, Stride int
	Padding              string `json:",omitempty"`
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) OutShape(inShape []int) []int {
	h, _ := num.OutSize(inShape[1], c.Size, c.Stride, c.Padding == "same")
	w, _ := num.OutSize(inShape[2], c.Size, c.Stride, c.Padding == "same")
	return []int{inShape[0], h, w, c.Nfeats}
}

func (c *Conv) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &convDNN{Conv: *c}
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
	Padding      string `json:",omitempty"`
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c MaxPool) OutShape(inShape []int) []int {
	h, _ := num.OutSize(inShape[1], c.Size, c.Stride, c.Padding == "same")
	w, _ := num.OutSize(inShape[2], c.Size, c.Stride, c.Padding == "same")
	return []int{inShape[0], h, w, inShape[3]}
}

func (c *MaxPool) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &poolDNN{MaxPool: *c}
}

// Batch normalisation layer, normalises over all axes except the channels.
type BatchNorm struct {
	Momentum, Epsilon float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Momentum == 0 {
		c.Momentum = 0.99
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-3
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c BatchNorm) OutShape(inShape []int) []int { return inShape }

func (c *BatchNorm) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &batchNorm{BatchNorm: *c}
}

// Dense fully connected layer, implements ParamLayer interface.
type Dense struct {
	Nout int
}

func (c Dense) Marshal() LayerConfig {
	return LayerConfig{Type: "dense", Data: marshal(c)}
}

func (c Dense) ToString() string {
	return fmt.Sprintf("dense %+v", c)
}

func (c Dense) OutShape(inShape []int) []int {
	return []int{inShape[0], c.Nout}
}

func (c *Dense) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	return &dense{Dense: *c}
}

// Relu or linear activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) OutShape(inShape []int) []int { return inShape }

func (c *Activation) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	layer := &activation{Activation: *c}
	switch c.Atype {
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	case "linear":
	default:
		panic(fmt.Sprintf("activation type %s invalid", c.Atype))
	}
	return layer
}

// Dropout layer zeros a fraction Ratio of its inputs during training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

func (c Dropout) OutShape(inShape []int) []int { return inShape }

func (c *Dropout) unmarshal(data json.RawMessage) Layer {
	unmarshal(data, c)
	if c.Ratio < 0 || c.Ratio >= 1 {
		panic(fmt.Sprintf("dropout ratio %g invalid", c.Ratio))
	}
	return &dropout{Dropout: *c}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// convolutional layer implementation
type convDNN struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convDNN) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("ConvDNN: expect 4 dimensional input")
	}
	n, h, w, c := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.ConvLayer(n, h, w, c, l.Nfeats, l.Size, l.Stride, l.Padding == "same")
	l.paramBase = newParams(queue, layer.FilterShape(), layer.BiasShape())
	l.fanIn, l.fanOut = l.Size*l.Size*c, l.Size*l.Size*l.Nfeats
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer, prev == nil)
	return l
}

func (l *convDNN) OutShape(inShape []int) []int { return l.Conv.OutShape(inShape) }

func (l *convDNN) Regularized() bool { return true }

// pool layer implentation
type poolDNN struct {
	MaxPool
	*layerDNN
}

func (l *poolDNN) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 4 {
		panic("PoolDNN: expect 4 dimensional input")
	}
	n, h, w, c := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.MaxPoolLayer(n, h, w, c, l.Size, l.Stride, l.Padding == "same")
	l.layerDNN = newLayerDNN(queue, layer, prev == nil)
	return l
}

func (l *poolDNN) OutShape(inShape []int) []int { return l.MaxPool.OutShape(inShape) }

// batch normalisation implementation, gamma and beta are stored as the weights and bias
type batchNorm struct {
	BatchNorm
	paramBase
	*layerDNN
	bn num.BatchNormLayer
}

func (l *batchNorm) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	l.bn = queue.BatchNormLayer(inShape, l.Momentum, l.Epsilon)
	l.paramBase = newParams(queue, l.bn.FilterShape(), l.bn.BiasShape())
	l.bn.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, l.bn, prev == nil)
	return l
}

func (l *batchNorm) OutShape(inShape []int) []int { return inShape }

func (l *batchNorm) InitParams(rng *rand.Rand) {
	l.queue.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
	)
}

func (l *batchNorm) Regularized() bool { return false }

func (l *batchNorm) MovingStats() (mean, variance num.Array) {
	return l.bn.Stats()
}

func (l *batchNorm) Fprop(in num.Array, train bool) num.Array {
	l.bn.SetTraining(train)
	return l.layerDNN.Fprop(in, train)
}

// dense layer implementation
type dense struct {
	Dense
	layerBase
	paramBase
	ones num.Array
}

func (l *dense) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	if len(inShape) != 2 {
		panic("Dense: expect 2 dimensional input")
	}
	nBatch, nIn := inShape[0], inShape[1]
	l.layerBase = newLayerBase(queue, inShape, l.OutShape(inShape))
	l.paramBase = newParams(queue, []int{nIn, l.Nout}, []int{l.Nout})
	l.fanIn, l.fanOut = nIn, l.Nout
	l.ones = queue.NewArray(nBatch)
	l.first = prev == nil
	queue.Call(num.Fill(l.ones, 1))
	return l
}

func (l *dense) Regularized() bool { return false }

func (l *dense) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.queue.Call(
		num.Copy(l.dst, l.b),
		num.Gemm(1, 1, l.src, l.w, l.dst, num.NoTrans, num.NoTrans),
	)
	return l.dst
}

func (l *dense) Bprop(grad num.Array) num.Array {
	l.queue.Call(
		num.Gemv(1, 0, grad, l.ones, l.db, num.Trans),
		num.Gemm(1, 0, l.src, grad, l.dw, num.Trans, num.NoTrans),
	)
	if l.first {
		return nil
	}
	l.queue.Call(num.Gemm(1, 0, grad, l.w, l.dsrc, num.NoTrans, num.Trans))
	return l.dsrc
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, g, y num.Array) num.Function
	queue num.Queue
}

func (l *activation) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	l.queue = queue
	if l.activ != nil {
		l.layerBase = newLayerBase(queue, inShape, inShape)
	}
	return l
}

func (l *activation) Fprop(in num.Array, train bool) num.Array {
	if l.activ == nil {
		return in
	}
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array) num.Array {
	if l.activ == nil {
		return grad
	}
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

// inverted dropout: kept values are scaled by 1/(1-ratio) so inference is a no-op
type dropout struct {
	Dropout
	layerBase
	mask    num.Array
	rng     *rand.Rand
	queue   num.Queue
	applied bool
}

func (l *dropout) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	l.queue = queue
	l.rng = rng
	l.layerBase = newLayerBase(queue, inShape, inShape)
	l.mask = queue.NewArray(inShape...)
	return l
}

func (l *dropout) Fprop(in num.Array, train bool) num.Array {
	l.applied = train && l.Ratio > 0
	if !l.applied {
		return in
	}
	l.queue.Call(
		num.DropoutMask(l.mask, l.Ratio, l.rng),
		num.Mul(in, l.mask, l.dst),
	)
	return l.dst
}

func (l *dropout) Bprop(grad num.Array) num.Array {
	if !l.applied {
		return grad
	}
	l.queue.Call(num.Mul(grad, l.mask, l.dsrc))
	return l.dsrc
}

type flatten struct {
	layerBase
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{inShape[0], num.Prod(inShape[1:])}
}

func (l *flatten) Init(queue num.Queue, inShape []int, prev Layer, rng *rand.Rand) Layer {
	return l
}

func (l *flatten) Fprop(in num.Array, train bool) num.Array {
	l.src = in
	l.dst = in.Reshape(in.Dims()[0], -1)
	return l.dst
}

func (l *flatten) Bprop(grad num.Array) num.Array {
	l.dsrc = grad.Reshape(l.src.Dims()...)
	return l.dsrc
}

// base blas layer type
type layerBase struct {
	src   num.Array
	dst   num.Array
	dsrc  num.Array
	first bool
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  queue.NewArray(outShape...),
		dsrc: queue.NewArray(inShape...),
	}
}

type layerDNN struct {
	que   num.Queue
	layer num.Layer
	layerBase
}

func newLayerDNN(queue num.Queue, layer num.Layer, first bool) *layerDNN {
	l := &layerDNN{que: queue, layer: layer}
	l.dst = layer.Dst()
	l.dsrc = layer.DiffSrc()
	l.first = first
	return l
}

func (l *layerDNN) Fprop(in num.Array, train bool) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.dst
}

// Bprop computes the parameter gradients, and the input gradient unless this is the first layer.
func (l *layerDNN) Bprop(grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	if l.layer.HasParams() {
		l.que.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	if l.first {
		return nil
	}
	l.que.Call(num.BpropData(l.layer))
	return l.dsrc
}

// weight and bias parameters
type paramBase struct {
	queue         num.Queue
	w, b          num.Array
	dw, db        num.Array
	fanIn, fanOut int
}

func newParams(queue num.Queue, wShape, bShape []int) paramBase {
	return paramBase{
		queue: queue,
		w:     queue.NewArray(wShape...),
		b:     queue.NewArray(bShape...),
		dw:    queue.NewArray(wShape...),
		db:    queue.NewArray(bShape...),
	}
}

func (p paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets the weights from a Glorot uniform distribution and the bias to zero.
func (p paramBase) InitParams(rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(p.fanIn+p.fanOut))
	weights := make([]float32, p.w.Size())
	for i := range weights {
		weights[i] = float32((2*rng.Float64() - 1) * limit)
	}
	p.queue.Call(
		num.Write(p.w, weights),
		num.Fill(p.b, 0),
	)
}

func (p paramBase) SetParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	if len(data) == 0 {
		return
	}
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
