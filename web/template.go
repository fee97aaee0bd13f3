package web

import (
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/martinkarlik/X-IAA/stats"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu []Link
}

type Link struct {
	Url      string
	Name     string
	Selected bool
}

// Load and parse templates and initialise main menu
func NewTemplates() (*Templates, error) {
	funcs := template.FuncMap{
		"stats": func(vals []float32) template.HTML {
			s := new(stats.Average)
			for _, v := range vals {
				s.Add(float64(v))
			}
			return s.HTML()
		},
	}
	tmpl, err := template.New("web").Funcs(funcs).ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	t := &Templates{Template: tmpl}
	t.AddMenuItem(Link{Name: "train", Url: "/train"})
	t.AddMenuItem(Link{Name: "images", Url: "/images/1"})
	t.AddMenuItem(Link{Name: "config", Url: "/config"})
	return t, nil
}

func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     append([]Link{}, t.Menu...),
	}
}

func (t *Templates) Select(url string) *Templates {
	for i, key := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(key.Url, url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

// Exec executes the named template, errors are logged and returned to the client.
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
