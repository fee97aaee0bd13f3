package nnet

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/martinkarlik/X-IAA/num"
	"github.com/martinkarlik/X-IAA/stats"
	"github.com/pkg/errors"
)

// number of epochs for the validation loss moving average
const emaN = 10

// Loss and error metrics averaged over the batches in an epoch
type Metrics struct {
	Loss float64 `yaml:"loss"`
	MSE  float64 `yaml:"mse"`
	MAE  float64 `yaml:"mae"`
}

// Training statistics
type Stats struct {
	Epoch    int           `yaml:"epoch"`
	Train    Metrics       `yaml:"train"`
	Valid    Metrics       `yaml:"validation"`
	ValidAvg float64       `yaml:"validationAverage"`
	Elapsed  time.Duration `yaml:"elapsed"`
}

// Column headers for the stats values.
func StatsHeaders(validation bool) []string {
	h := []string{"loss", "mse", "mae"}
	if validation {
		h = append(h, "val_loss", "val_mse", "val_mae")
	}
	return h
}

func (s Stats) Values(validation bool) []float64 {
	v := []float64{s.Train.Loss, s.Train.MSE, s.Train.MAE}
	if validation {
		v = append(v, s.Valid.Loss, s.Valid.MSE, s.Valid.MAE)
	}
	return v
}

func (s Stats) Format(validation bool) []string {
	str := []string{}
	for _, v := range s.Values(validation) {
		str = append(str, fmt.Sprintf("%7.4f", v))
	}
	return str
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, train Metrics, start time.Time) (bool, error)
	History() []Stats
	Release()
}

// Tester which evaluates the loss and error for the validation set and updates the stats.
type TestBase struct {
	Net     *Network
	Data    *Dataset
	Stats   []Stats
	Headers []string
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the validation dataset and a copy of the network with the test batch size.
// If valid is nil or empty then only the training metrics are recorded.
func (t *TestBase) Init(queue num.Queue, conf Config, valid Data, rng *rand.Rand) (*TestBase, error) {
	t.Data, t.Net = nil, nil
	t.Headers = StatsHeaders(false)
	if valid == nil || valid.Len() == 0 {
		return t, nil
	}
	var err error
	if t.Data, err = NewDataset(queue.Dev(), valid, conf.TestBatch, 0, false, rng); err != nil {
		return nil, errors.Wrap(err, "validation set")
	}
	if conf.DebugLevel >= 1 {
		fmt.Println("init tester:", t.Data)
	}
	if t.Net, err = New(queue, conf, t.Data.BatchSize, valid.Shape(), rng); err != nil {
		return nil, err
	}
	t.Headers = StatsHeaders(true)
	return t, nil
}

// Release the validation dataset buffers
func (t *TestBase) Release() {
	if t.Data != nil {
		t.Data.Release()
		t.Data = nil
	}
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
}

func (t *TestBase) History() []Stats {
	return t.Stats
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, train Metrics, start time.Time) (bool, error) {
	s := Stats{Epoch: epoch, Train: train}
	if t.Data != nil {
		if net.DebugLevel >= 1 {
			fmt.Printf("== TEST EPOCH %d ==\n", epoch)
		}
		net.CopyTo(t.Net)
		var err error
		if s.Valid, err = Evaluate(t.Net, t.Data); err != nil {
			return true, err
		}
		prev := 0.0
		if n := len(t.Stats); n > 0 {
			prev = t.Stats[n-1].ValidAvg
		}
		s.ValidAvg = stats.EMA(prev).Add(s.Valid.Loss, emaN)
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch, nil
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs stats to stdout.
func NewTestLogger(queue num.Queue, conf Config, valid Data, rng *rand.Rand) (Tester, error) {
	t, err := NewTestBase().Init(queue, conf, valid, rng)
	if err != nil {
		return nil, err
	}
	return testLogger{TestBase: t}, nil
}

func (t testLogger) Test(net *Network, epoch int, train Metrics, start time.Time) (bool, error) {
	done, err := t.TestBase.Test(net, epoch, train, start)
	if err != nil {
		return done, err
	}
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		msg := fmt.Sprintf("epoch %3d/%d:", epoch, net.MaxEpoch)
		for i, val := range s.Format(t.Data != nil) {
			msg += fmt.Sprintf("  %s =%s", t.Headers[i], val)
		}
		msg += fmt.Sprintf("  [%s]", s.Elapsed.Round(10*time.Millisecond))
		fmt.Println(msg)
	}
	if done {
		fmt.Printf("run time: %s\n", s.Elapsed.Round(10*time.Millisecond))
	}
	return done, nil
}

// Train the network on the given training set by updating the weights, stops after MaxEpoch
// epochs or when the tester returns true.
func Train(net *Network, dset *Dataset, test Tester) error {
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		train, err := TrainEpoch(net, dset)
		if err != nil {
			return errors.Wrapf(err, "train epoch %d", epoch)
		}
		done, err := test.Test(net, epoch, train, start)
		if err != nil {
			return errors.Wrapf(err, "validate epoch %d", epoch)
		}
		if done {
			break
		}
	}
	return nil
}

// Perform one training epoch of dset.Batches steps. Returns the loss and metrics averaged
// over the batches, each computed prior to updating the weights.
func TrainEpoch(net *Network, dset *Dataset) (m Metrics, err error) {
	q := net.queue
	opt := net.Optimizer()
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("== train batch %d ==\n", batch)
		}
		x, y, err := dset.NextBatch()
		if err != nil {
			return m, err
		}
		yPred := net.Fprop(x, true)
		if net.DebugLevel >= 2 {
			fmt.Printf("y:\n%s", y.String(q))
			fmt.Printf("yPred:\n%s", yPred.String(q))
		}
		mse, mae := net.BatchLoss(yPred, y, true)
		loss := mse
		if net.Config.Loss == "mae" {
			loss = mae
		}
		loss += net.Penalty()
		m.Loss += loss
		m.MSE += mse
		m.MAE += mae
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			fmt.Printf("loss=%.4f mse=%.4f mae=%.4f\ninput grad:\n%s", loss, mse, mae, net.inputGrad.String(q))
		}
		net.Bprop(net.inputGrad)
		net.penaltyGrad()
		opt.Update()
		if net.DebugLevel >= 3 || (batch == dset.Batches-1 && net.DebugLevel >= 2) {
			net.PrintWeights()
		}
	}
	q.Finish()
	return m.scale(dset.Batches), nil
}

// Evaluate the network on dset.Batches steps of the data set without updating the weights.
func Evaluate(net *Network, dset *Dataset) (m Metrics, err error) {
	for batch := 0; batch < dset.Batches; batch++ {
		x, y, err := dset.NextBatch()
		if err != nil {
			return m, err
		}
		mse, mae := net.BatchLoss(net.Predict(x), y, false)
		m.MSE += mse
		m.MAE += mae
	}
	m = m.scale(dset.Batches)
	m.Loss = m.MSE
	if net.Config.Loss == "mae" {
		m.Loss = m.MAE
	}
	m.Loss += net.Penalty()
	return m, nil
}

func (m Metrics) scale(batches int) Metrics {
	if batches > 0 {
		n := float64(batches)
		m.Loss /= n
		m.MSE /= n
		m.MAE /= n
	}
	return m
}
