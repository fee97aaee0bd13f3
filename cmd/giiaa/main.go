// giiaa writes the default training configuration for the mean score model to <name>.net,
// with a copy in <name>.default.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/martinkarlik/X-IAA/giiaa"
	"github.com/martinkarlik/X-IAA/nnet"
)

func main() {
	csvFile := flag.String("csv", "", "CSV file with image names and scores")
	dir := flag.String("dir", "", "directory containing the images")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: giiaa [opts] <name>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	conf := giiaa.DefaultConfig()
	if *csvFile != "" {
		conf.CSVFile = *csvFile
	}
	if *dir != "" {
		conf.ImageDir = *dir
	}
	fmt.Println(conf)
	nnet.CheckErr(conf.SaveDefault(flag.Arg(0)))
}
