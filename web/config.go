package web

import (
	"encoding/json"
	"net/http"

	"github.com/martinkarlik/X-IAA/nnet"
)

type ConfigPage struct {
	*Templates
	Conf nnet.Config
}

type Field struct {
	Name  string
	Value interface{}
}

// Base data for handler functions to view the run configuration
func NewConfigPage(t *Templates, conf nnet.Config) *ConfigPage {
	return &ConfigPage{Templates: t.Select("/config"), Conf: conf}
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Exec(w, "config", p)
	}
}

// Handler function which returns the config as JSON
func (p *ConfigPage) JSON() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p.Conf); err != nil {
			logError(w, err)
		}
	}
}

func (p *ConfigPage) Fields() []Field {
	var res []Field
	for _, name := range p.Conf.Fields() {
		res = append(res, Field{Name: name, Value: p.Conf.Get(name)})
	}
	return res
}

func (p *ConfigPage) Layers() []string {
	var res []string
	for _, l := range p.Conf.Layers {
		res = append(res, l.String())
	}
	return res
}
