package num

import (
	"io"
	"math"
	"math/rand"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(6)
	x = x.Reshape(2, 3)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	if dim := x.Reshape(-1, 2).Dims(); !reflect.DeepEqual(dim, []int{3, 2}) {
		t.Error("reshape invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	t.Logf("x\n%s", x.String(q))
	if n := Bytes(x, nil); n != 24 {
		t.Error("bytes: got", n, "expect", 24)
	}
}

func TestCopy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(3)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{3, 2, 1}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	expect := []float32{3, 2, 1, 3, 2, 1}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
	q.Call(
		Scale(2, y),
		Read(y, res),
	).Finish()
	expect = []float32{5, 5, 9, 9, 13, 13}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestSum(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	sum := dev.NewArray(1)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	if res[0] != 3.5 {
		t.Error("got", res[0], "expect", 3.5)
	}
	q.Call(
		SumSquares(x, sum, 1),
		Read(sum, res),
	).Finish()
	if res[0] != 91 {
		t.Error("got", res[0], "expect", 91)
	}
	// sum for each column
	colSum := dev.NewArray(3)
	res = make([]float32, 3)
	ones := dev.NewArray(2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, colSum, Trans),
		Read(colSum, res),
	).Finish()
	expect := []float32{5, 7, 9}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestGemm(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(2, 3)
	y := dev.NewArray(3, 2)
	z := dev.NewArray(2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 11, 10, 9, 8, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		expect := []float32{71, 65, 128, 141}
		if !reflect.DeepEqual(res, expect) {
			t.Error("got", res, "expect", expect)
		}
	}
}

func TestActivation(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(4)
	y := dev.NewArray(4)
	g := dev.NewArray(4)
	res := make([]float32, 4)
	q.Call(
		Write(x, []float32{-1, 0, 0.5, 2}),
		Relu(x, y),
		Read(y, res),
	).Finish()
	if expect := []float32{0, 0, 0.5, 2}; !reflect.DeepEqual(res, expect) {
		t.Error("relu: got", res, "expect", expect)
	}
	q.Call(
		Write(g, []float32{1, 2, 3, 4}),
		ReluD(x, g, y),
		Read(y, res),
	).Finish()
	if expect := []float32{0, 0, 3, 4}; !reflect.DeepEqual(res, expect) {
		t.Error("relu_d: got", res, "expect", expect)
	}
}

func TestLoss(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	x := dev.NewArray(3)
	y := dev.NewArray(3)
	z := dev.NewArray(3)
	res := make([]float32, 3)
	q.Call(
		Write(x, []float32{1, 2, 3}),
		Write(y, []float32{3, 2, 0}),
		QuadraticLoss(x, y, z),
		Read(z, res),
	).Finish()
	if expect := []float32{4, 0, 9}; !reflect.DeepEqual(res, expect) {
		t.Error("quadratic: got", res, "expect", expect)
	}
	q.Call(AbsLoss(x, y, z), Read(z, res)).Finish()
	if expect := []float32{2, 0, 3}; !reflect.DeepEqual(res, expect) {
		t.Error("abs: got", res, "expect", expect)
	}
	q.Call(SignDiff(x, y, z), Read(z, res)).Finish()
	if expect := []float32{-1, 0, 1}; !reflect.DeepEqual(res, expect) {
		t.Error("sign: got", res, "expect", expect)
	}
}

func TestDropoutMask(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	mask := dev.NewArray(10000)
	q.Call(DropoutMask(mask, 0.3, rand.New(rand.NewSource(1)))).Finish()
	zeros := 0
	for _, v := range mask.Data() {
		switch {
		case v == 0:
			zeros++
		case math.Abs(float64(v)-1/0.7) > 1e-6:
			t.Fatal("invalid mask value", v)
		}
	}
	t.Logf("dropped %d of %d", zeros, mask.Size())
	if zeros < 2700 || zeros > 3300 {
		t.Error("dropout ratio out of range:", zeros)
	}
}

func TestAdam(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	w, dw, m, v := dev.NewArray(2), dev.NewArray(2), dev.NewArray(2), dev.NewArray(2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, 1}),
		Write(dw, []float32{0.5, -2}),
		Adam(w, dw, m, v, 0.01, 0.9, 0.999, 1e-7, 1),
		Read(w, res),
	).Finish()
	// first step moves each weight by close to eta against the gradient sign
	expect := []float32{0.99, 1.01}
	for i := range res {
		if abs(res[i]-expect[i]) > 1e-4 {
			t.Error("got", res, "expect", expect)
		}
	}
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20))
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	dev := NewCPUDevice()
	q := dev.NewQueue(4)
	x := dev.NewArray(size, size)
	y := dev.NewArray(size, size)
	z := dev.NewArray(size, size)
	q.Call(
		Write(x, randSlice(size*size)),
		Write(y, randSlice(size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}

func TestProfile(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue(1)
	q.Profiling(true)
	x := dev.NewArray(4)
	q.Call(Fill(x, 2), Scale(0.5, x)).Finish()
	prof := q.Profile()
	t.Log(prof)
	if !strings.Contains(prof, "TOTAL") || !strings.Contains(prof, "2 calls") {
		t.Error("missing profile totals")
	}

	// profile is only printed on request
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w
	q.Shutdown()
	os.Stdout = stdout
	w.Close()
	out, _ := io.ReadAll(r)
	if len(out) != 0 {
		t.Errorf("unexpected output from Shutdown: %q", out)
	}
}
