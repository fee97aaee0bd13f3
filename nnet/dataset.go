package nnet

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/martinkarlik/X-IAA/num"
	"github.com/pkg/errors"
)

// Data interface type represents the raw data for a training or validation set.
// Shape is the shape of a single input sample, label values are one per sample.
type Data interface {
	Len() int
	Shape() []int
	Label(index []int, label []float32)
	Input(index []int, buf []float32) error
}

// Dataset type is a streaming feed over a Data set. Batches are loaded in a background
// goroutine while the previous batch is processed, and the feed wraps around endlessly.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	Epoch     int
	shuffle   bool
	x, y      [2]num.Array
	err       [2]error
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// If the batch size is larger than the number of samples it is reduced to fit. Samples
// which do not fill a complete batch are skipped each epoch.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, shuffle bool, rng *rand.Rand) (*Dataset, error) {
	d := &Dataset{Data: data, Samples: data.Len(), shuffle: shuffle, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if d.Samples == 0 {
		return nil, errors.New("dataset has no samples")
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = Steps(d.Samples, d.BatchSize)
	for i := range d.x {
		d.x[i] = dev.NewArray(append([]int{d.BatchSize}, data.Shape()...)...)
		d.y[i] = dev.NewArray(d.BatchSize, 1)
	}
	if shuffle {
		d.indexes = rng.Perm(data.Len())[:d.Samples]
	} else {
		d.indexes = make([]int, d.Samples)
		for i := range d.indexes {
			d.indexes[i] = i
		}
	}
	d.loadBatch()
	return d, nil
}

// Steps returns the number of whole batches in an epoch.
func Steps(samples, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return samples / batchSize
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for i := range d.x {
		d.x[i].Release()
		d.y[i].Release()
	}
}

// kick off load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(buf, batch int) {
		defer d.Done()
		start := batch * d.BatchSize
		index := d.indexes[start : start+d.BatchSize]
		d.Label(index, d.y[buf].Data())
		d.err[buf] = d.Input(index, d.x[buf].Data())
	}(d.buf, d.batch)
}

// Get next batch of data, blocks until it is loaded. The returned arrays are valid until the
// next but one call to NextBatch.
func (d *Dataset) NextBatch() (x, y num.Array, err error) {
	d.Wait()
	x, y, err = d.x[d.buf], d.y[d.buf], d.err[d.buf]
	if err != nil {
		err = errors.Wrapf(err, "epoch %d batch %d", d.Epoch+1, d.batch)
	}
	d.batch++
	if d.batch >= d.Batches {
		d.batch = 0
		d.Epoch++
		if d.shuffle {
			d.Shuffle()
		}
	}
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Shuffle the data set, must not be called while a batch is loading
func (d *Dataset) Shuffle() {
	d.rng.Shuffle(len(d.indexes), func(i, j int) {
		d.indexes[i], d.indexes[j] = d.indexes[j], d.indexes[i]
	})
}

func (d *Dataset) String() string {
	return fmt.Sprintf("%d samples, %d batches of %d", d.Samples, d.Batches, d.BatchSize)
}

// Subset of a data set selected by index.
type Subset struct {
	Data
	Index []int
}

func (s Subset) Len() int { return len(s.Index) }

func (s Subset) Label(index []int, label []float32) {
	s.Data.Label(s.mapIndex(index), label)
}

func (s Subset) Input(index []int, buf []float32) error {
	return s.Data.Input(s.mapIndex(index), buf)
}

func (s Subset) mapIndex(index []int) []int {
	ix := make([]int, len(index))
	for i, j := range index {
		ix[i] = s.Index[j]
	}
	return ix
}

// Split partitions the data into training and validation subsets. The validation set has
// int(fraction*Len) samples taken from a random permutation, the rest are used for training.
func Split(data Data, fraction float64, rng *rand.Rand) (train, valid Subset, err error) {
	if fraction < 0 || fraction >= 1 {
		return train, valid, errors.Errorf("validation split %g must be in range [0, 1)", fraction)
	}
	perm := rng.Perm(data.Len())
	nValid := int(fraction * float64(data.Len()))
	valid = Subset{Data: data, Index: perm[:nValid]}
	train = Subset{Data: data, Index: perm[nValid:]}
	return train, valid, nil
}
