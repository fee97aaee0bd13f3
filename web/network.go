// Package web has a web based interface to monitor network training.
package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/martinkarlik/X-IAA/img"
	"github.com/martinkarlik/X-IAA/nnet"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Network wraps the tester used for training and records the progress so that it can be
// viewed while the training runs. Clients connected on the websocket are sent a message
// after each epoch.
type Network struct {
	nnet.Tester
	Conf    nnet.Config
	Summary string
	Images  *img.Data
	Epoch   int
	Done    bool
	Err     string
	conns   map[*websocket.Conn]bool
	sync.Mutex
}

// Message sent to websocket clients at the end of each epoch
type EpochMessage struct {
	Epoch    int
	MaxEpoch int
	Done     bool
	Stats    nnet.Stats
}

// Create a new monitor. images is the training image set, it may be nil.
func NewNetwork(test nnet.Tester, conf nnet.Config, images *img.Data) *Network {
	return &Network{Tester: test, Conf: conf, Images: images, conns: map[*websocket.Conn]bool{}}
}

// Test implements the nnet.Tester interface
func (n *Network) Test(net *nnet.Network, epoch int, train nnet.Metrics, start time.Time) (bool, error) {
	n.Lock()
	defer n.Unlock()
	if n.Summary == "" && net != nil {
		n.Summary = net.String()
	}
	done, err := n.Tester.Test(net, epoch, train, start)
	n.Epoch = epoch
	n.Done = done || err != nil
	if err != nil {
		n.Err = err.Error()
	}
	msg := EpochMessage{Epoch: epoch, MaxEpoch: n.Conf.MaxEpoch, Done: n.Done}
	if hist := n.Tester.History(); len(hist) > 0 {
		msg.Stats = hist[len(hist)-1]
	}
	n.notify(msg)
	return done, err
}

// History returns a copy of the stats recorded so far
func (n *Network) History() []nnet.Stats {
	n.Lock()
	defer n.Unlock()
	return append([]nnet.Stats{}, n.Tester.History()...)
}

// notify all websocket clients, must be called with the lock held
func (n *Network) notify(msg EpochMessage) {
	for conn := range n.conns {
		if err := conn.WriteJSON(msg); err != nil {
			log.Println("notify: error writing to websocket:", err)
			conn.Close()
			delete(n.conns, conn)
		}
	}
}

// Handler function for websocket connection
func (n *Network) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket:", err)
			return
		}
		n.Lock()
		n.conns[conn] = true
		n.Unlock()
		// discard anything sent by the client until the connection is closed
		for {
			if _, _, err := conn.NextReader(); err != nil {
				break
			}
		}
		n.Lock()
		if n.conns[conn] {
			conn.Close()
			delete(n.conns, conn)
		}
		n.Unlock()
	}
}
