package giiaa

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/martinkarlik/X-IAA/img"
	"github.com/martinkarlik/X-IAA/nnet"
	"github.com/martinkarlik/X-IAA/num"
)

// write n solid colour images of the given size with a csv file listing them
func writeImages(t *testing.T, dir string, n, size int) string {
	rng := rand.New(rand.NewSource(42))
	csv := []string{"image_id,transformed_score,other"}
	for i := 0; i < n; i++ {
		m := image.NewRGBA(image.Rect(0, 0, size, size))
		v := uint8(rng.Intn(256))
		c := color.RGBA{v, uint8(255 - v), 128, 255}
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				m.Set(x, y, c)
			}
		}
		name := fmt.Sprintf("img%02d.png", i)
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if err = png.Encode(f, m); err != nil {
			t.Fatal(err)
		}
		f.Close()
		csv = append(csv, fmt.Sprintf("%s,%.4f,x", name, float64(v)/255))
	}
	csvFile := filepath.Join(dir, "scores.csv")
	if err := os.WriteFile(csvFile, []byte(strings.Join(csv, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return csvFile
}

func testConfig(dir, csvFile string, size int) nnet.Config {
	conf := DefaultConfig()
	conf.CSVFile = csvFile
	conf.ImageDir = dir
	conf.ImageShape = []int{size, size, 3}
	conf.ModelFile = filepath.Join(dir, "models", "giiaa.model")
	conf.RandSeed = 1
	return conf
}

func TestBuildModel(t *testing.T) {
	q := num.NewCPUDevice().NewQueue(2)
	rng := rand.New(rand.NewSource(1))
	conf := DefaultConfig()
	for _, shape := range [][]int{{16, 16, 3}, {40, 24, 3}, {32, 32, 1}, {256, 256, 3}} {
		net, err := BuildModel(q, conf, 2, shape, rng)
		if err != nil {
			t.Fatal(shape, err)
		}
		if !reflect.DeepEqual(net.InShape(), append([]int{2}, shape...)) {
			t.Errorf("%v: input shape %v", shape, net.InShape())
		}
		if !reflect.DeepEqual(net.OutShape(), []int{2, 1}) {
			t.Errorf("%v: output shape %v", shape, net.OutShape())
		}
	}
	for _, shape := range [][]int{{8, 8, 3}, {16, 16}, {0, 16, 3}} {
		if _, err := BuildModel(q, conf, 2, shape, rng); err == nil {
			t.Errorf("%v: expecting error", shape)
		} else {
			t.Log(err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if len(conf.Layers) != 17 {
		t.Errorf("expecting 17 layers, got %d", len(conf.Layers))
	}
	out, err := nnet.CheckShape(conf, conf.ImageShape)
	if err != nil || !reflect.DeepEqual(out, []int{1}) {
		t.Error(out, err)
	}
	if math.Abs(conf.Rescale*255-1) > 1e-12 || conf.TrainBatch != 32 || conf.MaxEpoch != 10 || conf.Eta != 1e-4 {
		t.Errorf("unexpected defaults\n%s", conf)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	csvFile := writeImages(t, dir, 12, 20)
	conf := testConfig(dir, csvFile, 16)
	conf.MaxEpoch = 2
	conf.TrainBatch = 4
	conf.TestBatch = 2
	conf.HorizFlip = true
	conf.PanPixels = 2
	conf.PlotFile = filepath.Join(dir, "loss.svg")
	conf.HistoryFile = filepath.Join(dir, "history.yaml")
	wrapped := false
	res, err := Run(conf, WithTester(func(test nnet.Tester, images *img.Data) nnet.Tester {
		wrapped = images.Len() == 10
		return test
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !wrapped {
		t.Error("tester option not applied")
	}
	if res.TrainSamples != 10 || res.ValidSamples != 2 || len(res.History) != 2 {
		t.Errorf("got %+v", res)
	}
	for _, s := range res.History {
		t.Logf("%d: %v", s.Epoch, s.Values(true))
		if s.Valid.MSE <= 0 {
			t.Error("missing validation stats")
		}
	}
	for _, name := range []string{conf.ModelFile, conf.PlotFile, conf.HistoryFile} {
		if info, err := os.Stat(name); err != nil || info.Size() == 0 {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	hist, _ := os.ReadFile(conf.HistoryFile)
	if !strings.Contains(string(hist), res.Net.RunID) {
		t.Errorf("history file:\n%s", hist)
	}

	// reload model and check predictions match the trained network
	batch := res.Net.InShape()[0]
	q := num.NewCPUDevice().NewQueue(2)
	net, err := nnet.LoadModel(q, conf.ModelFile, batch)
	if err != nil {
		t.Fatal(err)
	}
	if net.RunID != res.Net.RunID {
		t.Errorf("run id: got %s expecting %s", net.RunID, res.Net.RunID)
	}
	x := q.NewArray(batch, 16, 16, 3)
	rng := rand.New(rand.NewSource(3))
	data := x.Data()
	for i := range data {
		data[i] = rng.Float32()
	}
	trained := make([]float32, batch)
	loaded := make([]float32, batch)
	q.Call(num.Read(res.Net.Predict(x), trained)).Finish()
	q.Call(num.Read(net.Predict(x), loaded)).Finish()
	t.Log("predictions:", trained, loaded)
	for i := range trained {
		if math.Abs(float64(trained[i]-loaded[i])) > 1e-5 {
			t.Errorf("prediction %d differs: trained %g loaded %g", i, trained[i], loaded[i])
		}
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	csvFile := writeImages(t, dir, 4, 8)
	conf := testConfig(dir, csvFile, 16)
	conf.ColorMode = "grayscale"
	if _, err := Run(conf); err == nil {
		t.Error("expecting error for color mode mismatch")
	}
	conf = testConfig(dir, filepath.Join(dir, "missing.csv"), 16)
	if _, err := Run(conf); err == nil {
		t.Error("expecting error for missing csv file")
	}
	conf = testConfig(filepath.Join(dir, "nowhere"), csvFile, 16)
	if _, err := Run(conf); err == nil {
		t.Error("expecting error when no images are found")
	} else {
		t.Log(err)
	}
}

// 10 rows of 256x256 images trained for a single epoch
func TestSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full size run in short mode")
	}
	dir := t.TempDir()
	csvFile := writeImages(t, dir, 10, 256)
	conf := testConfig(dir, csvFile, 256)
	conf.MaxEpoch = 1
	res, err := Run(conf)
	if err != nil {
		t.Fatal(err)
	}
	if res.TrainSamples != 8 || res.ValidSamples != 2 {
		t.Errorf("got %d training and %d validation samples", res.TrainSamples, res.ValidSamples)
	}
	if info, err := os.Stat(conf.ModelFile); err != nil || info.Size() == 0 {
		t.Error("model file not written", err)
	}
}
