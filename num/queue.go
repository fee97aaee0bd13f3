package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"
)

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, h, w, depth, nFeats, size, stride int, same bool) Layer
	MaxPoolLayer(nBatch, h, w, depth, size, stride int, same bool) Layer
	BatchNormLayer(inShape []int, momentum, epsilon float64) BatchNormLayer
}

// Initialise new CPU device
func NewCPUDevice() Device {
	return cpuDevice{}
}

// DeviceInfo describes the processor the CPU device runs on.
func DeviceInfo() string {
	c := cpuid.CPU
	simd := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if c.Supports(f) {
			simd = append(simd, f.String())
		}
	}
	name := c.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	return fmt.Sprintf("%s: %d cores, %d threads [%s]", name, c.PhysicalCores, c.LogicalCores, strings.Join(simd, " "))
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Number of worker goroutines used by parallel functions
	Threads() int
	// Function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	desc string
	call func(threads int)
}

func args(desc string, call func(threads int)) Function {
	return Function{desc: desc, call: call}
}

func (f Function) String() string { return f.desc }

// cpuDevice runs all operations on the host using gonum BLAS and goroutine workers.
type cpuDevice struct{}

// cpuQueue executes each function synchronously in the calling goroutine, so Finish is only a barrier.
type cpuQueue struct {
	cpuDevice
	threads int
	*profile
}

// NewQueue creates a new queue, if threads <= 0 then use one worker per logical CPU.
func (d cpuDevice) NewQueue(threads int) Queue {
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	return &cpuQueue{
		cpuDevice: d,
		threads:   threads,
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.profile.enabled {
			start := time.Now()
			arg.call(q.threads)
			q.profile.add(arg.desc, time.Since(start))
		} else {
			arg.call(q.threads)
		}
	}
	return q
}

func (q *cpuQueue) Finish() {}

func (q *cpuQueue) Shutdown() {
	q.Finish()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
	sync.Mutex
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	p.Lock()
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
	p.Unlock()
}

func (p *profile) Profile() string {
	p.Lock()
	defer p.Unlock()
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	s := []string{}
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n")
}

// run fn(thread, i) for i in [0, n) using up to threads workers. Work is assigned to workers
// in a fixed stride so that per thread accumulators are deterministic.
func parallel(threads, n int, fn func(thread, i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	for thread := 0; thread < threads; thread++ {
		wg.Add(1)
		go func(thread int) {
			for i := thread; i < n; i += threads {
				fn(thread, i)
			}
			wg.Done()
		}(thread)
	}
	wg.Wait()
}
