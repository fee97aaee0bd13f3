package nnet

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Training configuration settings
type Config struct {
	CSVFile         string
	ImageDir        string
	XCol            string
	YCol            string
	ModelFile       string
	PlotFile        string
	HistoryFile     string
	ImageShape      []int
	Interpolation   string
	ColorMode       string
	Rescale         float64
	HorizFlip       bool
	PanPixels       int
	ValidationSplit float64
	ValidateFiles   bool
	Loss            string
	Eta             float64
	Beta1           float64
	Beta2           float64
	Epsilon         float64
	Lambda          float64
	Shuffle         bool
	TrainBatch      int
	TestBatch       int
	MaxEpoch        int
	MaxSamples      int
	LogEvery        int
	RandSeed        int64
	Threads         int
	DebugLevel      int
	Profile         bool
	Layers          []LayerConfig
}

// Load config from a JSON file, or from YAML if the file has a .yaml or .yml extension.
func LoadConfig(name string) (c Config, err error) {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	fmt.Println("loading network config from", name)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err = yaml.Unmarshal(data, &doc); err != nil {
			return c, errors.Wrapf(err, "parse %s", name)
		}
		// route through JSON so that layer definitions decode into LayerConfig
		if data, err = json.Marshal(jsonValue(doc)); err != nil {
			return c, errors.Wrapf(err, "convert %s", name)
		}
	}
	if err = json.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "decode %s", name)
	}
	return c, nil
}

// yaml.v2 decodes mappings with interface{} keys which encoding/json cannot handle
func jsonValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for key, val := range v {
			m[fmt.Sprint(key)] = jsonValue(val)
		}
		return m
	case []interface{}:
		for i, val := range v {
			v[i] = jsonValue(val)
		}
	}
	return v
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save default network definition and overwrites current config
func (c Config) SaveDefault(name string) error {
	if err := c.Save(name + ".default"); err != nil {
		return err
	}
	return c.Save(name + ".net")
}

// Save config to JSON file, the file is written under a temporary name and then renamed.
func (c Config) Save(name string) error {
	dir, base := filepath.Split(name)
	tmpPath := filepath.Join(dir, "."+base)
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	fmt.Println("saving network config to", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "save config")
	}
	f.Close()
	return os.Rename(tmpPath, name)
}

// Fields returns the names of the scalar settings, excluding the layer definitions.
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-15s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// SetString parses val according to the type of the named field and updates it.
// Int slices are given as comma separated values.
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("invalid config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Slice:
		if f.Type().Elem().Kind() != reflect.Int {
			return c, errors.Errorf("invalid type for SetString: %v", f.Type())
		}
		var list []int
		for _, field := range strings.Split(val, ",") {
			var x int
			if x, err = strconv.Atoi(strings.TrimSpace(field)); err != nil {
				break
			}
			list = append(list, x)
		}
		if err == nil {
			f.Set(reflect.ValueOf(list))
		}
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrapf(err, "set %s", key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid field for SetBool: %s", key)
}
