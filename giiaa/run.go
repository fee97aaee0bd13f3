package giiaa

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/martinkarlik/X-IAA/img"
	"github.com/martinkarlik/X-IAA/nnet"
	"github.com/martinkarlik/X-IAA/num"
	"github.com/martinkarlik/X-IAA/web"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	plotWidth  = 600
	plotHeight = 300
)

// Result of a training run
type Result struct {
	Net          *nnet.Network
	History      []nnet.Stats
	TrainSamples int
	ValidSamples int
	Elapsed      time.Duration
}

type runner struct {
	queue  num.Queue
	tester func(test nnet.Tester, images *img.Data) nnet.Tester
}

// Option sets optional parameters for Run
type Option func(*runner)

// WithTester wraps the tester which is called at the end of each epoch, e.g. to add a web monitor.
// images holds the rows of the training split without augmentation.
func WithTester(fn func(test nnet.Tester, images *img.Data) nnet.Tester) Option {
	return func(r *runner) { r.tester = fn }
}

// WithQueue runs the network operations on the given queue instead of a new CPU queue.
func WithQueue(q num.Queue) Option {
	return func(r *runner) { r.queue = q }
}

// contents of the history file
type history struct {
	RunID        string       `yaml:"runId"`
	ModelFile    string       `yaml:"modelFile"`
	TrainSamples int          `yaml:"trainSamples"`
	ValidSamples int          `yaml:"validSamples"`
	Epochs       []nnet.Stats `yaml:"epochs"`
}

// Run reads the image table, trains the network for conf.MaxEpoch epochs, evaluating the
// validation set after each one, and saves the model to conf.ModelFile. The loss plot and
// history file are written if the PlotFile and HistoryFile settings are not blank.
func Run(conf nnet.Config, opts ...Option) (*Result, error) {
	r := &runner{}
	for _, opt := range opts {
		opt(r)
	}
	if len(conf.ImageShape) != 3 {
		return nil, errors.Errorf("image shape %v should be height, width, channels", conf.ImageShape)
	}
	channels, err := img.Channels(conf.ColorMode)
	if err != nil {
		return nil, err
	}
	if conf.ImageShape[2] != channels {
		return nil, errors.Errorf("image shape %v does not match %s color mode", conf.ImageShape, conf.ColorMode)
	}
	interp, err := img.Interpolation(conf.Interpolation)
	if err != nil {
		return nil, err
	}
	if conf.ModelFile == "" {
		return nil, errors.New("model file name is not set")
	}
	if conf.TestBatch <= 0 {
		conf.TestBatch = conf.TrainBatch
	}
	rng := nnet.SetSeed(conf.RandSeed)

	// read the table and split into training and validation sets
	table, err := img.ReadCSV(conf.CSVFile, conf.ImageDir, conf.XCol, conf.YCol)
	if err != nil {
		return nil, err
	}
	if conf.ValidateFiles {
		table = table.Validate()
	}
	if table.Len() == 0 {
		return nil, errors.Errorf("no images found in %s", conf.CSVFile)
	}
	fmt.Println("dataset:", table)
	loader := img.Loader{
		Height:   conf.ImageShape[0],
		Width:    conf.ImageShape[1],
		Channels: channels,
		Rescale:  conf.Rescale,
		Interp:   interp,
	}
	trans := img.NoTrans
	if conf.HorizFlip {
		trans |= img.HorizFlip
	}
	if conf.PanPixels > 0 {
		trans |= img.Pan
	}
	augment := img.NewTransformer(trans, conf.Threads, rng)
	augment.PanPixels = conf.PanPixels
	trainImages := img.NewData(table, loader, augment)
	validImages := img.NewData(table, loader, img.NewTransformer(img.NoTrans, conf.Threads, nil))
	train, valid, err := nnet.Split(trainImages, conf.ValidationSplit, rng)
	if err != nil {
		return nil, err
	}
	valid.Data = validImages
	fmt.Printf("split %d images: %d training, %d validation\n", table.Len(), train.Len(), valid.Len())

	q := r.queue
	if q == nil {
		q = num.NewCPUDevice().NewQueue(conf.Threads)
		defer q.Shutdown()
	}
	q.Profiling(conf.Profile)
	trainData, err := nnet.NewDataset(q.Dev(), train, conf.TrainBatch, conf.MaxSamples, conf.Shuffle, rng)
	if err != nil {
		return nil, errors.Wrap(err, "training set")
	}
	defer trainData.Release()
	fmt.Println("training set:", trainData)

	net, err := BuildModel(q, conf, trainData.BatchSize, conf.ImageShape, rng)
	if err != nil {
		return nil, err
	}
	test, err := nnet.NewTestLogger(q, conf, valid, rng)
	if err != nil {
		return nil, err
	}
	defer test.Release()
	if r.tester != nil {
		test = r.tester(test, img.NewData(table.Select(train.Index), loader, nil))
	}

	log.Printf("start training run %s: %d epochs", net.RunID, conf.MaxEpoch)
	start := time.Now()
	if err = nnet.Train(net, trainData, test); err != nil {
		return nil, err
	}
	res := &Result{
		Net:          net,
		History:      test.History(),
		TrainSamples: train.Len(),
		ValidSamples: valid.Len(),
		Elapsed:      time.Since(start),
	}
	if conf.Profile {
		fmt.Printf("== Profile ==\n%s\n", q.Profile())
	}
	if err = mkdirFor(conf.ModelFile); err != nil {
		return nil, err
	}
	if err = nnet.SaveModel(net, conf.ModelFile); err != nil {
		return nil, err
	}
	if conf.PlotFile != "" {
		if err = web.SavePlot(conf.PlotFile, res.History, res.ValidSamples > 0, plotWidth, plotHeight); err != nil {
			return nil, err
		}
		log.Println("saved loss plot to", conf.PlotFile)
	}
	if conf.HistoryFile != "" {
		if err = saveHistory(conf.HistoryFile, conf.ModelFile, res); err != nil {
			return nil, err
		}
		log.Println("saved history to", conf.HistoryFile)
	}
	return res, nil
}

func saveHistory(name, modelFile string, res *Result) error {
	data, err := yaml.Marshal(history{
		RunID:        res.Net.RunID,
		ModelFile:    modelFile,
		TrainSamples: res.TrainSamples,
		ValidSamples: res.ValidSamples,
		Epochs:       res.History,
	})
	if err != nil {
		return errors.Wrap(err, "save history")
	}
	return errors.Wrap(ioutil.WriteFile(name, data, 0644), "save history")
}

func mkdirFor(name string) error {
	if dir := filepath.Dir(name); dir != "." {
		return errors.Wrap(os.MkdirAll(dir, 0755), "create model directory")
	}
	return nil
}
