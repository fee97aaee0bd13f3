package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/martinkarlik/X-IAA/nnet"
)

const (
	plotWidth  = 600
	plotHeight = 300
)

type TrainPage struct {
	*Templates
	net *Network
}

// Base data for handler functions to display the training stats
func NewTrainPage(t *Templates, net *Network) *TrainPage {
	return &TrainPage{Templates: t.Select("/train"), net: net}
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Exec(w, "train", p)
	}
}

// Handler function which returns the stats history as JSON
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.net.History()); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for the loss plot in SVG format, size may be set with w and h query parameters
func (p *TrainPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		width, height := plotWidth, plotHeight
		if v, err := strconv.Atoi(r.FormValue("w")); err == nil && v > 0 {
			width = v
		}
		if v, err := strconv.Atoi(r.FormValue("h")); err == nil && v > 0 {
			height = v
		}
		hist := p.net.History()
		w.Header().Set("Content-Type", "image/svg+xml")
		fmt.Fprint(w, writePlot(LossPlot(hist, p.validation()), width, height))
	}
}

func (p *TrainPage) validation() bool {
	return p.net.Conf.ValidationSplit > 0
}

func (p *TrainPage) Heading() template.HTML {
	status := "running"
	if p.net.Done {
		status = "complete"
	}
	if p.net.Err != "" {
		status = "failed: " + template.HTMLEscapeString(p.net.Err)
	}
	s := fmt.Sprintf(`epoch <span id="epoch">%d</span> of %d - %s`, p.net.Epoch, p.net.Conf.MaxEpoch, status)
	return template.HTML(s)
}

func (p *TrainPage) Summary() string {
	return p.net.Summary
}

func (p *TrainPage) Headers() []string {
	return nnet.StatsHeaders(p.validation())
}

// LatestStats returns up to n entries from the history, most recent first
func (p *TrainPage) LatestStats(n int) [][]string {
	hist := p.net.Tester.History()
	res := [][]string{}
	for i := len(hist) - 1; i >= 0 && i >= len(hist)-n; i-- {
		row := append([]string{strconv.Itoa(hist[i].Epoch)}, hist[i].Format(p.validation())...)
		res = append(res, row)
	}
	return res
}

func (p *TrainPage) RunTime() string {
	hist := p.net.Tester.History()
	if len(hist) == 0 {
		return ""
	}
	elapsed := hist[len(hist)-1].Elapsed
	return fmt.Sprintf("run time: %s", elapsed.Round(10*time.Millisecond))
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	return writePlot(LossPlot(p.net.Tester.History(), p.validation()), width, height)
}

func (p *TrainPage) ErrorPlot(width, height int) template.HTML {
	return writePlot(ErrorPlot(p.net.Tester.History(), p.validation()), width, height)
}
