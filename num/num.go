// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

func (t TransType) blas() blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Read data from array into a slice.
func Read(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Read: slice is too small")
	}
	return args("read", func(int) { copy(data, a.Data()) })
}

// Write data from a slice into the given array.
func Write(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Write: slice is too small")
	}
	return args("write", func(int) { copy(a.Data(), data) })
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		x := a.Data()
		for i := range x {
			x[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) {
		return args("copy", func(int) { copy(dst.Data(), src.Data()) })
	} else if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return args("tile", func(int) {
			d, s := dst.Data(), src.Data()
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:(row+1)*ddim[1]], s)
			}
		})
	} else {
		panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
	}
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	return args("scale", func(int) {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("Axpy: arrays must be same shape")
	}
	return args("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Element wise product: z <- x * y
func Mul(x, y, z Array) Function {
	return binaryFunc("mul", x, y, z, func(a, b float32) float32 { return a * b })
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 {
		panic("Sum: result type should be float32 scalar")
	}
	return args("sum", func(int) {
		sum := 0.0
		for _, v := range a.Data() {
			sum += float64(v)
		}
		total.Data()[0] = float32(sum) * scale
	})
}

// Calculate the sum of the squared values in the array. Multiplies the result by scale.
func SumSquares(a, total Array, scale float32) Function {
	if total.Size() != 1 {
		panic("SumSquares: result type should be float32 scalar")
	}
	return args("sum_squares", func(int) {
		sum := 0.0
		for _, v := range a.Data() {
			sum += float64(v) * float64(v)
		}
		total.Data()[0] = float32(sum) * scale
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	adim, xdim, ydim := mA.Dims(), x.Dims(), y.Dims()
	if len(adim) != 2 || len(xdim) != 1 || len(ydim) != 1 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if xdim[0] != m || ydim[0] != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if xdim[0] != n || ydim[0] != m {
			panic("Gemv: incorrect vector size")
		}
	}
	return args("gemv", func(int) {
		blas32.Gemv(aTrans.blas(), alpha, general(mA), vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		blas32.Gemm(aTrans.blas(), bTrans.blas(), alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

// ReluD applies the relu derivative to the gradient: y = grad if x > 0 else 0
func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(a, g float32) float32 {
		if a > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(a, b float32) float32 { return (a - b) * (a - b) })
}

// Absolute loss function: |x-y|
func AbsLoss(x, y, res Array) Function {
	return binaryFunc("abs_loss", x, y, res, func(a, b float32) float32 { return abs(a - b) })
}

// Sign of difference: res = sign(x-y)
func SignDiff(x, y, res Array) Function {
	return binaryFunc("sign_diff", x, y, res, func(a, b float32) float32 {
		switch {
		case a > b:
			return 1
		case a < b:
			return -1
		default:
			return 0
		}
	})
}

// Dropout mask: each element is set to 1/(1-ratio) with probability 1-ratio, else 0.
func DropoutMask(mask Array, ratio float64, rng *rand.Rand) Function {
	if ratio < 0 || ratio >= 1 {
		panic("DropoutMask: ratio must be in range [0, 1)")
	}
	scale := float32(1 / (1 - ratio))
	return args("dropout_mask", func(int) {
		m := mask.Data()
		for i := range m {
			if rng.Float64() < ratio {
				m[i] = 0
			} else {
				m[i] = scale
			}
		}
	})
}

// Adam optimiser weight update with bias correction for step t (starting from 1):
// m <- b1*m + (1-b1)*dw, v <- b2*v + (1-b2)*dw**2, w <- w - lr_t*m/(sqrt(v)+eps)
func Adam(w, dw, m, v Array, eta, beta1, beta2, eps float64, t int) Function {
	if !SameShape(w.Dims(), dw.Dims()) || !SameShape(w.Dims(), m.Dims()) || !SameShape(w.Dims(), v.Dims()) {
		panic("Adam: arrays must be same shape")
	}
	if t < 1 {
		panic("Adam: step must be >= 1")
	}
	lrt := eta * math.Sqrt(1-math.Pow(beta2, float64(t))) / (1 - math.Pow(beta1, float64(t)))
	b1, b2 := float32(beta1), float32(beta2)
	return args("adam", func(int) {
		W, G, M, V := w.Data(), dw.Data(), m.Data(), v.Data()
		for i, g := range G {
			M[i] = b1*M[i] + (1-b1)*g
			V[i] = b2*V[i] + (1-b2)*g*g
			W[i] -= float32(lrt * float64(M[i]) / (math.Sqrt(float64(V[i])) + eps))
		}
	})
}

func unaryFunc(desc string, x, y Array, fn func(float32) float32) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic("UnaryFunc: arrays must be same shape")
	}
	return args(desc, func(int) {
		src, dst := x.Data(), y.Data()
		for i, v := range src {
			dst[i] = fn(v)
		}
	})
}

func binaryFunc(desc string, x, y, z Array, fn func(a, b float32) float32) Function {
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic("BinaryFunc: arrays must be same shape")
	}
	return args(desc, func(int) {
		a, b, c := x.Data(), y.Data(), z.Data()
		for i := range c {
			c[i] = fn(a[i], b[i])
		}
	})
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Data()}
}

func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: a.Data()}
}
