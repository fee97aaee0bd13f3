package nnet

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/martinkarlik/X-IAA/num"
	"github.com/pkg/errors"
)

const modelVersion = 1

// contents of a saved model file
type modelData struct {
	Version int
	RunID   string
	Created time.Time
	Config  Config
	InShape []int
	Params  [][]float32
	Stats   [][]float32
	Step    int
	M, V    [][]float32
}

// SaveModel writes the network config, weights, moving statistics and optimiser state to a
// file in gob format. An existing file is replaced.
func SaveModel(net *Network, name string) error {
	m := modelData{
		Version: modelVersion,
		RunID:   net.RunID,
		Created: time.Now().UTC(),
		Config:  net.Config,
		InShape: net.inShape[1:],
	}
	for _, layer := range net.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			m.Params = append(m.Params, read(net.queue, W), read(net.queue, B))
		}
		if l, ok := layer.(StatsLayer); ok {
			mean, variance := l.MovingStats()
			m.Stats = append(m.Stats, read(net.queue, mean), read(net.queue, variance))
		}
	}
	if net.opt != nil {
		m.Step = net.opt.Step
		for i := range net.opt.m {
			m.M = append(m.M, read(net.queue, net.opt.m[i]))
			m.V = append(m.V, read(net.queue, net.opt.v[i]))
		}
	}
	dir, base := filepath.Split(name)
	tmpPath := filepath.Join(dir, "."+base)
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "save model")
	}
	if err = gob.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "save model")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save model")
	}
	fmt.Println("saved model to", name)
	return os.Rename(tmpPath, name)
}

// LoadModel restores a network saved with SaveModel using the given batch size.
func LoadModel(queue num.Queue, name string, batchSize int) (*Network, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "load model")
	}
	defer f.Close()
	var m modelData
	if err = gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "decode model %s", name)
	}
	if m.Version != modelVersion {
		return nil, errors.Errorf("model %s: unsupported version %d", name, m.Version)
	}
	net, err := New(queue, m.Config, batchSize, m.InShape, rand.New(rand.NewSource(m.Created.UnixNano())))
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", name)
	}
	net.RunID = m.RunID
	var params, moving []num.Array
	for _, layer := range net.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			params = append(params, W, B)
		}
		if l, ok := layer.(StatsLayer); ok {
			mean, variance := l.MovingStats()
			moving = append(moving, mean, variance)
		}
	}
	if err = write(queue, params, m.Params); err != nil {
		return nil, errors.Wrapf(err, "model %s weights", name)
	}
	if err = write(queue, moving, m.Stats); err != nil {
		return nil, errors.Wrapf(err, "model %s statistics", name)
	}
	if m.Step > 0 {
		opt := net.Optimizer()
		opt.Step = m.Step
		if err = write(queue, opt.m, m.M); err != nil {
			return nil, errors.Wrapf(err, "model %s optimizer", name)
		}
		if err = write(queue, opt.v, m.V); err != nil {
			return nil, errors.Wrapf(err, "model %s optimizer", name)
		}
	}
	fmt.Printf("loaded model %s from %s created %s\n", net.RunID, name, m.Created.Format(time.RFC3339))
	return net, nil
}

func read(q num.Queue, a num.Array) []float32 {
	data := make([]float32, a.Size())
	q.Call(num.Read(a, data)).Finish()
	return data
}

func write(q num.Queue, arr []num.Array, data [][]float32) error {
	if len(arr) != len(data) {
		return errors.Errorf("expecting %d arrays, got %d", len(arr), len(data))
	}
	for i, a := range arr {
		if len(data[i]) != a.Size() {
			return errors.Errorf("array %d: expecting %d values, got %d", i, a.Size(), len(data[i]))
		}
		q.Call(num.Write(a, data[i]))
	}
	q.Finish()
	return nil
}
