// train runs the training for the mean score model. Settings are read from the optional config
// file, otherwise the defaults are used, and may be overridden from the command line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/martinkarlik/X-IAA/giiaa"
	"github.com/martinkarlik/X-IAA/img"
	"github.com/martinkarlik/X-IAA/nnet"
	"github.com/martinkarlik/X-IAA/web"
)

// list of key=value settings
type settings []string

func (s *settings) String() string { return strings.Join(*s, " ") }

func (s *settings) Set(val string) error {
	*s = append(*s, val)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags)
	var opt nnet.Config
	var set settings
	flag.Float64Var(&opt.Eta, "eta", 0, "learning rate")
	flag.Float64Var(&opt.Lambda, "lambda", 0, "L2 regularisation parameter")
	flag.Int64Var(&opt.RandSeed, "seed", 0, "random number seed")
	flag.IntVar(&opt.MaxEpoch, "epochs", 0, "number of epochs")
	flag.IntVar(&opt.MaxSamples, "samples", 0, "max training samples")
	flag.IntVar(&opt.TrainBatch, "batch", 0, "train batch size")
	flag.IntVar(&opt.TestBatch, "testbatch", 0, "validation batch size")
	flag.IntVar(&opt.DebugLevel, "debug", 0, "debug logging level")
	flag.BoolVar(&opt.Profile, "profile", false, "print profiling info")
	flag.StringVar(&opt.CSVFile, "csv", "", "CSV file with image names and scores")
	flag.StringVar(&opt.ImageDir, "dir", "", "directory containing the images")
	flag.StringVar(&opt.ModelFile, "model", "", "file to save the trained model to")
	flag.StringVar(&opt.PlotFile, "plot", "", "file to save the loss plot to")
	flag.StringVar(&opt.HistoryFile, "history", "", "file to save the training history to")
	httpAddr := flag.String("http", "", "serve training monitor at this address, e.g. localhost:8080")
	flag.Var(&set, "set", "override config setting as key=value, may be repeated")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: train [opts] [config]")
		flag.PrintDefaults()
	}
	flag.Parse()

	conf := giiaa.DefaultConfig()
	if flag.NArg() > 0 {
		name := flag.Arg(0)
		if filepath.Ext(name) == "" {
			name += ".net"
		}
		var err error
		conf, err = nnet.LoadConfig(name)
		nnet.CheckErr(err)
	}

	// override config settings from command line
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "http" || f.Name == "set" {
			return
		}
		key := map[string]string{
			"eta": "Eta", "lambda": "Lambda", "seed": "RandSeed", "epochs": "MaxEpoch", "samples": "MaxSamples",
			"batch": "TrainBatch", "testbatch": "TestBatch", "debug": "DebugLevel", "profile": "Profile",
			"csv": "CSVFile", "dir": "ImageDir", "model": "ModelFile", "plot": "PlotFile", "history": "HistoryFile",
		}[f.Name]
		var err error
		conf, err = conf.SetString(key, f.Value.String())
		nnet.CheckErr(err)
	})
	for _, kv := range set {
		fields := strings.SplitN(kv, "=", 2)
		if len(fields) != 2 {
			nnet.CheckErr(fmt.Errorf("invalid setting %q: expecting key=value", kv))
		}
		var err error
		conf, err = conf.SetString(fields[0], fields[1])
		nnet.CheckErr(err)
	}
	if conf.DebugLevel >= 1 {
		fmt.Println(conf)
	}

	var opts []giiaa.Option
	var monitor *web.Network
	if *httpAddr != "" {
		opts = append(opts, giiaa.WithTester(func(test nnet.Tester, images *img.Data) nnet.Tester {
			monitor = web.NewNetwork(test, conf, images)
			var auth *web.AuthMiddleware
			if user, pass := os.Getenv("GIIAA_USER"), os.Getenv("GIIAA_PASS"); user != "" {
				mw := web.NewAuthMiddleware(user, pass)
				auth = &mw
			}
			r, err := web.NewRouter(monitor, auth)
			nnet.CheckErr(err)
			web.Serve(*httpAddr, r)
			return monitor
		}))
	}
	res, err := giiaa.Run(conf, opts...)
	nnet.CheckErr(err)
	log.Printf("trained %d samples in %s", res.TrainSamples, res.Elapsed)

	if monitor != nil {
		log.Println("training complete - press Ctrl-C to exit")
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
	}
}
