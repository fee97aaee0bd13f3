// Package giiaa trains a convolutional network to predict the mean aesthetic score of an image.
package giiaa

import (
	"fmt"
	"math/rand"

	"github.com/martinkarlik/X-IAA/nnet"
	"github.com/martinkarlik/X-IAA/num"
	"github.com/pkg/errors"
)

// Layers returns the network definition. Each convolution is followed by a relu activation,
// batch normalisation and max pooling. The output is a single linear unit.
func Layers() []nnet.ConfigLayer {
	layers := []nnet.ConfigLayer{}
	for _, c := range []nnet.Conv{{Nfeats: 64, Size: 3}, {Nfeats: 32, Size: 3}, {Nfeats: 32, Size: 2}} {
		layers = append(layers,
			c,
			nnet.Activation{Atype: "relu"},
			nnet.BatchNorm{},
			nnet.MaxPool{Size: 3, Stride: 2, Padding: "same"},
		)
	}
	return append(layers,
		nnet.Flatten{},
		nnet.Dense{Nout: 64},
		nnet.Activation{Atype: "relu"},
		nnet.Dropout{Ratio: 0.3},
		nnet.Dense{Nout: 1},
	)
}

// DefaultConfig returns the standard training settings with the network layers.
func DefaultConfig() nnet.Config {
	conf := nnet.Config{
		CSVFile:         "datasets/eva/metadata/lightAndColor.csv",
		ModelFile:       "models/nima_mean_trained.model",
		XCol:            "image_id",
		YCol:            "transformed_score",
		ImageShape:      []int{256, 256, 3},
		Interpolation:   "nearest",
		ColorMode:       "rgb",
		Rescale:         1.0 / 255,
		ValidationSplit: 0.2,
		ValidateFiles:   true,
		Loss:            "mse",
		Eta:             1e-4,
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-7,
		Lambda:          0.001,
		Shuffle:         true,
		TrainBatch:      32,
		TestBatch:       32,
		MaxEpoch:        10,
		LogEvery:        1,
	}
	return conf.AddLayers(Layers()...)
}

// BuildModel creates the network for inputs of the given height, width and channels and
// initialises the weights. If the config has no layers then the default definition is used.
// Returns an error if the input is too small for the layers.
func BuildModel(queue num.Queue, conf nnet.Config, batchSize int, inShape []int, rng *rand.Rand) (*nnet.Network, error) {
	if len(inShape) != 3 {
		return nil, errors.Errorf("input shape %v should be height, width, channels", inShape)
	}
	if len(conf.Layers) == 0 {
		conf = conf.AddLayers(Layers()...)
	}
	net, err := nnet.New(queue, conf, batchSize, inShape, rng)
	if err != nil {
		return nil, errors.Wrap(err, "build model")
	}
	net.InitWeights(rng)
	fmt.Println(net)
	return net, nil
}
