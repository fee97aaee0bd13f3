package web

import (
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const imagesPerPage = 24

type ImagePage struct {
	*Templates
	Page   int
	Pages  int
	Width  int
	Height int
	Items  []ImageItem
	net    *Network
}

type ImageItem struct {
	Index int
	Url   string
	Score float32
}

// Base data for handler functions to view the training images and their scores
func NewImagePage(t *Templates, net *Network, width int) *ImagePage {
	p := &ImagePage{Templates: t.Select("/images"), net: net, Page: 1, Width: width, Height: width}
	if d := net.Images; d != nil && d.Width > 0 {
		p.Height = width * d.Height / d.Width
		p.Pages = (d.Len() + imagesPerPage - 1) / imagesPerPage
	}
	return p
}

// Handler function for the main image page
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		page, _ := strconv.Atoi(mux.Vars(r)["page"])
		p.Page = mod(page, 1, p.Pages)
		p.Items = p.Items[:0]
		if d := p.net.Images; d != nil {
			for i := (p.Page - 1) * imagesPerPage; i < d.Len() && i < p.Page*imagesPerPage; i++ {
				p.Items = append(p.Items, ImageItem{Index: i, Url: fmt.Sprintf("/img/%d", i), Score: d.Labels[i]})
			}
		}
		p.Exec(w, "images", p)
	}
}

// Scores returns the scores for all of the images
func (p *ImagePage) Scores() []float32 {
	if p.net.Images == nil {
		return nil
	}
	return p.net.Images.Labels
}

func (p *ImagePage) Prev() int { return mod(p.Page-1, 1, p.Pages) }

func (p *ImagePage) Next() int { return mod(p.Page+1, 1, p.Pages) }

// Handler function to generate the image as a PNG file
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(mux.Vars(r)["id"])
		if p.net.Images == nil {
			http.NotFound(w, r)
			return
		}
		m, err := p.net.Images.Image(id)
		if err != nil {
			log.Printf("image %d: %s", id, err)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-type", "image/png")
		if err := png.Encode(w, m); err != nil {
			log.Println("error encoding image:", err)
		}
	}
}

// wrap val into the range [min, max]
func mod(val, min, max int) int {
	if max < min {
		return min
	}
	if val < min {
		return max
	}
	if val > max {
		return min
	}
	return val
}
