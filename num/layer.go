package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer with channels last input of shape [batch, height, width, depth].
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	FilterShape() []int
	BiasShape() []int
}

// BatchNormLayer normalises each channel using the batch statistics in training mode
// and the moving averages otherwise.
type BatchNormLayer interface {
	Layer
	SetTraining(on bool)
	Stats() (mean, variance Array)
}

// interface implemented by the cpu layers
type cpuLayer interface {
	Layer
	fprop(threads int)
	bpropData(threads int)
	bpropFilter(threads int)
	bpropBias(threads int)
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_fprop", l.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_data", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_filter", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(cpuLayer)
	return args(l.Type()+"_bprop_bias", l.bpropBias)
}

// Output size along one axis given input size, kernel size and stride.
// Returns the size and the padding before the first element.
func OutSize(in, size, stride int, same bool) (out, pad int) {
	if same {
		out = (in + stride - 1) / stride
		total := (out-1)*stride + size - in
		if total < 0 {
			total = 0
		}
		return out, total / 2
	}
	if in < size {
		return 0, 0
	}
	return (in-size)/stride + 1, 0
}

// common fields for layers with input and output arrays
type layerBase struct {
	in, out        []int
	src, ddst      Array
	dst, dsrc      Array
	filter, bias   Array
	dfilter, dbias Array
}

func (l *layerBase) InShape() []int { return l.in }

func (l *layerBase) OutShape() []int { return l.out }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) DiffSrc() Array { return l.dsrc }

func (l *layerBase) SetSrc(a Array) {
	if !SameShape(a.Dims(), l.in) {
		panic(fmt.Sprintf("SetSrc: input shape %v expecting %v", a.Dims(), l.in))
	}
	l.src = a
}

func (l *layerBase) SetDiffDst(a Array) {
	if !SameShape(a.Dims(), l.out) {
		panic(fmt.Sprintf("SetDiffDst: gradient shape %v expecting %v", a.Dims(), l.out))
	}
	l.ddst = a
}

func (l *layerBase) SetParams(W, B, dW, dB Array) {
	l.filter, l.bias, l.dfilter, l.dbias = W, B, dW, dB
}

func (l *layerBase) FilterShape() []int { return nil }

func (l *layerBase) BiasShape() []int { return nil }

func (l *layerBase) HasParams() bool { return false }

func (l *layerBase) bpropFilter(threads int) {}

func (l *layerBase) bpropBias(threads int) {}

// 2D convolution layer implemented as im2col followed by a matrix multiply per sample.
// Filter has shape [size*size*depth, nFeats] in (ky, kx, channel) order.
type convLayer struct {
	layerBase
	n, h, w, c       int
	oh, ow, nf       int
	size, stride     int
	padTop, padLeft  int
	col, dcol, dwAcc [][]float32
}

func (d cpuDevice) ConvLayer(nBatch, h, w, depth, nFeats, size, stride int, same bool) Layer {
	if stride < 1 {
		stride = 1
	}
	l := &convLayer{n: nBatch, h: h, w: w, c: depth, nf: nFeats, size: size, stride: stride}
	l.oh, l.padTop = OutSize(h, size, stride, same)
	l.ow, l.padLeft = OutSize(w, size, stride, same)
	if l.oh <= 0 || l.ow <= 0 {
		panic(fmt.Sprintf("ConvLayer: input %dx%d too small for kernel size %d", h, w, size))
	}
	l.in = []int{nBatch, h, w, depth}
	l.out = []int{nBatch, l.oh, l.ow, nFeats}
	l.dst = d.NewArray(l.out...)
	l.dsrc = d.NewArray(l.in...)
	return l
}

func (l *convLayer) Type() string { return "conv" }

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) FilterShape() []int { return []int{l.size * l.size * l.c, l.nf} }

func (l *convLayer) BiasShape() []int { return []int{l.nf} }

func (l *convLayer) String() string {
	return fmt.Sprintf("conv %v -> %v size=%d stride=%d pad=%d,%d", l.in, l.out, l.size, l.stride, l.padTop, l.padLeft)
}

// per thread scratch buffers, allocated on first use
func (l *convLayer) buffers(threads int, grad bool) {
	k := l.size * l.size * l.c
	rows := l.oh * l.ow
	for len(l.col) < threads {
		l.col = append(l.col, make([]float32, rows*k))
	}
	if grad {
		for len(l.dcol) < threads {
			l.dcol = append(l.dcol, make([]float32, rows*k))
		}
		for len(l.dwAcc) < threads {
			l.dwAcc = append(l.dwAcc, make([]float32, k*l.nf))
		}
	}
}

// unpack patches from sample s into rows of col
func (l *convLayer) im2col(s int, src, col []float32) {
	k := l.size * l.size * l.c
	for oy := 0; oy < l.oh; oy++ {
		for ox := 0; ox < l.ow; ox++ {
			row := col[(oy*l.ow+ox)*k : (oy*l.ow+ox+1)*k]
			for ky := 0; ky < l.size; ky++ {
				iy := oy*l.stride + ky - l.padTop
				for kx := 0; kx < l.size; kx++ {
					ix := ox*l.stride + kx - l.padLeft
					dst := row[(ky*l.size+kx)*l.c : (ky*l.size+kx+1)*l.c]
					if iy < 0 || iy >= l.h || ix < 0 || ix >= l.w {
						for i := range dst {
							dst[i] = 0
						}
					} else {
						pos := ((s*l.h+iy)*l.w + ix) * l.c
						copy(dst, src[pos:pos+l.c])
					}
				}
			}
		}
	}
}

// accumulate patch gradients from col back into sample s of dsrc
func (l *convLayer) col2im(s int, col, dsrc []float32) {
	k := l.size * l.size * l.c
	sample := dsrc[s*l.h*l.w*l.c : (s+1)*l.h*l.w*l.c]
	for i := range sample {
		sample[i] = 0
	}
	for oy := 0; oy < l.oh; oy++ {
		for ox := 0; ox < l.ow; ox++ {
			row := col[(oy*l.ow+ox)*k : (oy*l.ow+ox+1)*k]
			for ky := 0; ky < l.size; ky++ {
				iy := oy*l.stride + ky - l.padTop
				if iy < 0 || iy >= l.h {
					continue
				}
				for kx := 0; kx < l.size; kx++ {
					ix := ox*l.stride + kx - l.padLeft
					if ix < 0 || ix >= l.w {
						continue
					}
					pos := (iy*l.w + ix) * l.c
					for ch, v := range row[(ky*l.size+kx)*l.c : (ky*l.size+kx+1)*l.c] {
						sample[pos+ch] += v
					}
				}
			}
		}
	}
}

func (l *convLayer) fprop(threads int) {
	l.buffers(threads, false)
	k := l.size * l.size * l.c
	rows := l.oh * l.ow
	src, dst, bias := l.src.Data(), l.dst.Data(), l.bias.Data()
	filter := blas32.General{Rows: k, Cols: l.nf, Stride: l.nf, Data: l.filter.Data()}
	parallel(threads, l.n, func(thread, s int) {
		col := l.col[thread]
		l.im2col(s, src, col)
		out := dst[s*rows*l.nf : (s+1)*rows*l.nf]
		for r := 0; r < rows; r++ {
			copy(out[r*l.nf:(r+1)*l.nf], bias)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: rows, Cols: k, Stride: k, Data: col}, filter, 1,
			blas32.General{Rows: rows, Cols: l.nf, Stride: l.nf, Data: out})
	})
}

func (l *convLayer) bpropData(threads int) {
	l.buffers(threads, true)
	k := l.size * l.size * l.c
	rows := l.oh * l.ow
	ddst, dsrc := l.ddst.Data(), l.dsrc.Data()
	filter := blas32.General{Rows: k, Cols: l.nf, Stride: l.nf, Data: l.filter.Data()}
	parallel(threads, l.n, func(thread, s int) {
		dcol := l.dcol[thread]
		grad := blas32.General{Rows: rows, Cols: l.nf, Stride: l.nf, Data: ddst[s*rows*l.nf : (s+1)*rows*l.nf]}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, grad, filter, 0,
			blas32.General{Rows: rows, Cols: k, Stride: k, Data: dcol})
		l.col2im(s, dcol, dsrc)
	})
}

func (l *convLayer) bpropFilter(threads int) {
	l.buffers(threads, true)
	k := l.size * l.size * l.c
	rows := l.oh * l.ow
	src, ddst := l.src.Data(), l.ddst.Data()
	nthreads := threads
	if nthreads > l.n {
		nthreads = l.n
	}
	for t := 0; t < nthreads; t++ {
		for i := range l.dwAcc[t] {
			l.dwAcc[t][i] = 0
		}
	}
	parallel(threads, l.n, func(thread, s int) {
		col := l.col[thread]
		l.im2col(s, src, col)
		grad := blas32.General{Rows: rows, Cols: l.nf, Stride: l.nf, Data: ddst[s*rows*l.nf : (s+1)*rows*l.nf]}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			blas32.General{Rows: rows, Cols: k, Stride: k, Data: col}, grad, 1,
			blas32.General{Rows: k, Cols: l.nf, Stride: l.nf, Data: l.dwAcc[thread]})
	})
	dw := l.dfilter.Data()
	copy(dw, l.dwAcc[0])
	for t := 1; t < nthreads; t++ {
		for i, v := range l.dwAcc[t] {
			dw[i] += v
		}
	}
}

func (l *convLayer) bpropBias(threads int) {
	ddst, db := l.ddst.Data(), l.dbias.Data()
	for i := range db {
		db[i] = 0
	}
	for r := 0; r < len(ddst)/l.nf; r++ {
		for f, v := range ddst[r*l.nf : (r+1)*l.nf] {
			db[f] += v
		}
	}
}

// max pooling layer, stores the index of the selected input for each output
type poolLayer struct {
	layerBase
	n, h, w, c      int
	oh, ow          int
	size, stride    int
	padTop, padLeft int
	index           []int32
}

func (d cpuDevice) MaxPoolLayer(nBatch, h, w, depth, size, stride int, same bool) Layer {
	if stride < 1 {
		stride = size
	}
	l := &poolLayer{n: nBatch, h: h, w: w, c: depth, size: size, stride: stride}
	l.oh, l.padTop = OutSize(h, size, stride, same)
	l.ow, l.padLeft = OutSize(w, size, stride, same)
	if l.oh <= 0 || l.ow <= 0 {
		panic(fmt.Sprintf("MaxPoolLayer: input %dx%d too small for pool size %d", h, w, size))
	}
	l.in = []int{nBatch, h, w, depth}
	l.out = []int{nBatch, l.oh, l.ow, depth}
	l.dst = d.NewArray(l.out...)
	l.dsrc = d.NewArray(l.in...)
	l.index = make([]int32, Prod(l.out))
	return l
}

func (l *poolLayer) Type() string { return "maxpool" }

func (l *poolLayer) String() string {
	return fmt.Sprintf("maxpool %v -> %v size=%d stride=%d pad=%d,%d", l.in, l.out, l.size, l.stride, l.padTop, l.padLeft)
}

func (l *poolLayer) fprop(threads int) {
	src, dst := l.src.Data(), l.dst.Data()
	parallel(threads, l.n, func(thread, s int) {
		for oy := 0; oy < l.oh; oy++ {
			y0 := oy*l.stride - l.padTop
			for ox := 0; ox < l.ow; ox++ {
				x0 := ox*l.stride - l.padLeft
				out := ((s*l.oh+oy)*l.ow + ox) * l.c
				for ch := 0; ch < l.c; ch++ {
					best := float32(math.Inf(-1))
					bestIx := int32(-1)
					for y := y0; y < y0+l.size; y++ {
						if y < 0 || y >= l.h {
							continue
						}
						for x := x0; x < x0+l.size; x++ {
							if x < 0 || x >= l.w {
								continue
							}
							pos := ((s*l.h+y)*l.w+x)*l.c + ch
							if bestIx < 0 || src[pos] > best {
								best, bestIx = src[pos], int32(pos)
							}
						}
					}
					dst[out+ch] = best
					l.index[out+ch] = bestIx
				}
			}
		}
	})
}

func (l *poolLayer) bpropData(threads int) {
	ddst, dsrc := l.ddst.Data(), l.dsrc.Data()
	for i := range dsrc {
		dsrc[i] = 0
	}
	for i, ix := range l.index {
		dsrc[ix] += ddst[i]
	}
}

// batch normalisation over all axes except the last
type batchNormLayer struct {
	layerBase
	rows, c          int
	momentum, eps    float64
	training         bool
	mean, variance   Array
	batchMean, invSd []float64
	xhat             []float32
}

func (d cpuDevice) BatchNormLayer(inShape []int, momentum, epsilon float64) BatchNormLayer {
	c := inShape[len(inShape)-1]
	l := &batchNormLayer{c: c, rows: Prod(inShape) / c, momentum: momentum, eps: epsilon, training: true}
	l.in = append([]int{}, inShape...)
	l.out = l.in
	l.dst = d.NewArray(l.out...)
	l.dsrc = d.NewArray(l.in...)
	l.mean = d.NewArray(c)
	l.variance = d.NewArray(c)
	for i := range l.variance.Data() {
		l.variance.Data()[i] = 1
	}
	l.batchMean = make([]float64, c)
	l.invSd = make([]float64, c)
	l.xhat = make([]float32, Prod(inShape))
	return l
}

func (l *batchNormLayer) Type() string { return "batchnorm" }

func (l *batchNormLayer) HasParams() bool { return true }

func (l *batchNormLayer) FilterShape() []int { return []int{l.c} }

func (l *batchNormLayer) BiasShape() []int { return []int{l.c} }

func (l *batchNormLayer) SetTraining(on bool) { l.training = on }

func (l *batchNormLayer) Stats() (mean, variance Array) { return l.mean, l.variance }

func (l *batchNormLayer) String() string {
	return fmt.Sprintf("batchnorm %v momentum=%g eps=%g", l.in, l.momentum, l.eps)
}

func (l *batchNormLayer) fprop(threads int) {
	src, dst := l.src.Data(), l.dst.Data()
	gamma, beta := l.filter.Data(), l.bias.Data()
	if l.training {
		variance := make([]float64, l.c)
		for i := range l.batchMean {
			l.batchMean[i] = 0
		}
		for r := 0; r < l.rows; r++ {
			for ch, v := range src[r*l.c : (r+1)*l.c] {
				l.batchMean[ch] += float64(v)
			}
		}
		for ch := range l.batchMean {
			l.batchMean[ch] /= float64(l.rows)
		}
		for r := 0; r < l.rows; r++ {
			for ch, v := range src[r*l.c : (r+1)*l.c] {
				d := float64(v) - l.batchMean[ch]
				variance[ch] += d * d
			}
		}
		mean, movingVar := l.mean.Data(), l.variance.Data()
		for ch := range variance {
			variance[ch] /= float64(l.rows)
			l.invSd[ch] = 1 / math.Sqrt(variance[ch]+l.eps)
			mean[ch] = float32(float64(mean[ch])*l.momentum + l.batchMean[ch]*(1-l.momentum))
			movingVar[ch] = float32(float64(movingVar[ch])*l.momentum + variance[ch]*(1-l.momentum))
		}
	} else {
		mean, variance := l.mean.Data(), l.variance.Data()
		for ch := 0; ch < l.c; ch++ {
			l.batchMean[ch] = float64(mean[ch])
			l.invSd[ch] = 1 / math.Sqrt(float64(variance[ch])+l.eps)
		}
	}
	parallel(threads, l.rows, func(thread, r int) {
		for ch := 0; ch < l.c; ch++ {
			i := r*l.c + ch
			xh := float32((float64(src[i]) - l.batchMean[ch]) * l.invSd[ch])
			l.xhat[i] = xh
			dst[i] = gamma[ch]*xh + beta[ch]
		}
	})
}

// gradient with respect to the input, assumes training mode statistics
func (l *batchNormLayer) bpropData(threads int) {
	ddst, dsrc := l.ddst.Data(), l.dsrc.Data()
	gamma := l.filter.Data()
	dgamma := make([]float64, l.c)
	dbeta := make([]float64, l.c)
	for r := 0; r < l.rows; r++ {
		for ch := 0; ch < l.c; ch++ {
			i := r*l.c + ch
			dgamma[ch] += float64(ddst[i]) * float64(l.xhat[i])
			dbeta[ch] += float64(ddst[i])
		}
	}
	m := float64(l.rows)
	parallel(threads, l.rows, func(thread, r int) {
		for ch := 0; ch < l.c; ch++ {
			i := r*l.c + ch
			scale := float64(gamma[ch]) * l.invSd[ch] / m
			dsrc[i] = float32(scale * (m*float64(ddst[i]) - dbeta[ch] - float64(l.xhat[i])*dgamma[ch]))
		}
	})
}

func (l *batchNormLayer) bpropFilter(threads int) {
	ddst, dw := l.ddst.Data(), l.dfilter.Data()
	sum := make([]float64, l.c)
	for i, g := range ddst {
		sum[i%l.c] += float64(g) * float64(l.xhat[i])
	}
	for ch := range dw {
		dw[ch] = float32(sum[ch])
	}
}

func (l *batchNormLayer) bpropBias(threads int) {
	ddst, db := l.ddst.Data(), l.dbias.Data()
	sum := make([]float64, l.c)
	for i, g := range ddst {
		sum[i%l.c] += float64(g)
	}
	for ch := range db {
		db[ch] = float32(sum[ch])
	}
}
