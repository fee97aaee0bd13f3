package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter sets up the routes for the monitor pages. If auth is not nil then all requests
// must be authenticated.
func NewRouter(net *Network, auth *AuthMiddleware) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), net)
	imagePage := NewImagePage(t.Clone(), net, 128)
	configPage := NewConfigPage(t.Clone(), net.Conf)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train", http.StatusFound))
	r.HandleFunc("/train", trainPage.Base())
	r.HandleFunc("/stats", trainPage.Stats())
	r.HandleFunc("/plot.svg", trainPage.Plot())
	r.HandleFunc("/ws", net.Websocket())

	r.HandleFunc("/images/{page:[0-9]+}", imagePage.Base())
	r.HandleFunc("/img/{id:[0-9]+}", imagePage.Image())

	r.HandleFunc("/config", configPage.Base())
	r.HandleFunc("/config.json", configPage.JSON())

	if auth != nil {
		r.Use(auth.Middleware)
	}
	return r, nil
}

// Serve starts the web server in the background. Errors are logged.
func Serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("serving web page at http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println("web server:", err)
		}
	}()
	return srv
}
