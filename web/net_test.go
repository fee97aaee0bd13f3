package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/martinkarlik/X-IAA/nnet"
)

type fakeTester struct {
	stats []nnet.Stats
}

func (t *fakeTester) Test(net *nnet.Network, epoch int, train nnet.Metrics, start time.Time) (bool, error) {
	t.stats = append(t.stats, nnet.Stats{Epoch: epoch, Train: train, Valid: nnet.Metrics{Loss: train.Loss * 2}})
	return epoch >= 3, nil
}

func (t *fakeTester) History() []nnet.Stats { return t.stats }

func (t *fakeTester) Release() {}

func newTestServer(t *testing.T, auth *AuthMiddleware) (*Network, *httptest.Server) {
	conf := nnet.Config{MaxEpoch: 3, ValidationSplit: 0.2}
	net := NewNetwork(&fakeTester{}, conf, nil)
	r, err := NewRouter(net, auth)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return net, srv
}

func get(t *testing.T, client *http.Client, url string) (int, string) {
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestMonitor(t *testing.T) {
	net, srv := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	// wait for the handler to register the connection
	for i := 0; i < 100; i++ {
		net.Lock()
		n := len(net.conns)
		net.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	start := time.Now()
	for epoch := 1; epoch <= 3; epoch++ {
		done, err := net.Test(nil, epoch, nnet.Metrics{Loss: 1 / float64(epoch)}, start)
		if err != nil {
			t.Fatal(err)
		}
		if done != (epoch == 3) {
			t.Errorf("epoch %d: done=%v", epoch, done)
		}
		var msg EpochMessage
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		t.Logf("%+v", msg)
		if msg.Epoch != epoch || msg.MaxEpoch != 3 || msg.Stats.Epoch != epoch || msg.Done != (epoch == 3) {
			t.Errorf("unexpected message %+v", msg)
		}
	}

	code, body := get(t, http.DefaultClient, srv.URL+"/stats")
	var hist []nnet.Stats
	if err := json.Unmarshal([]byte(body), &hist); err != nil || code != http.StatusOK {
		t.Fatal(code, err)
	}
	if len(hist) != 3 || hist[2].Train.Loss != 1.0/3 {
		t.Errorf("got %+v", hist)
	}

	code, body = get(t, http.DefaultClient, srv.URL+"/plot.svg")
	if code != http.StatusOK || !strings.Contains(body, "<svg") {
		t.Errorf("plot: %d %.100s", code, body)
	}
	code, body = get(t, http.DefaultClient, srv.URL+"/train")
	if code != http.StatusOK || !strings.Contains(body, "complete") {
		t.Errorf("train page: %d %.200s", code, body)
	}
	code, body = get(t, http.DefaultClient, srv.URL+"/config")
	if code != http.StatusOK || !strings.Contains(body, "MaxEpoch") {
		t.Errorf("config page: %d", code)
	}
	if code, _ = get(t, http.DefaultClient, srv.URL+"/img/0"); code != http.StatusNotFound {
		t.Errorf("image: got status %d", code)
	}
}

func TestAuth(t *testing.T) {
	auth := NewAuthMiddleware("user", "secret")
	_, srv := newTestServer(t, &auth)
	if code, _ := get(t, http.DefaultClient, srv.URL+"/stats"); code != http.StatusUnauthorized {
		t.Errorf("expecting unauthorized, got %d", code)
	}
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
	req.SetBasicAuth("user", "wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expecting unauthorized with bad password, got %d", resp.StatusCode)
	}
	req.SetBasicAuth("user", "secret")
	if resp, err = client.Do(req); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expecting ok, got %d", resp.StatusCode)
	}
	// session cookie is used for subsequent requests
	if code, _ := get(t, client, srv.URL+"/stats"); code != http.StatusOK {
		t.Errorf("expecting ok with session cookie, got %d", code)
	}
}

func TestSavePlot(t *testing.T) {
	stats := []nnet.Stats{
		{Epoch: 1, Train: nnet.Metrics{Loss: 0.5}, Valid: nnet.Metrics{Loss: 0.6}},
		{Epoch: 2, Train: nnet.Metrics{Loss: 0.3}, Valid: nnet.Metrics{Loss: 0.4}},
	}
	name := filepath.Join(t.TempDir(), "loss.svg")
	if err := SavePlot(name, stats, true, 400, 200); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(name)
	if err != nil || info.Size() == 0 {
		t.Error("plot file not written", err)
	}
	if mod(0, 1, 3) != 3 || mod(4, 1, 3) != 1 || mod(2, 1, 3) != 2 {
		t.Error("mod")
	}
}
