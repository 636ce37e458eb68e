//
// Copyright 2019 Insolar Technologies GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/observability"
)

// handler answers one request through send. Returning false drops the
// connection without answering.
type handler func(req request, send func(frame interface{})) bool

// fakeIndexer is a minimal Electrum Cash server over websocket.
type fakeIndexer struct {
	srv *httptest.Server

	mu       sync.Mutex
	genesis  string
	handlers map[string]handler
	calls    map[string]int
	conns    []*websocket.Conn
}

func newFakeIndexer(t *testing.T, genesis string) *fakeIndexer {
	f := &fakeIndexer{
		genesis:  genesis,
		handlers: make(map[string]handler),
		calls:    make(map[string]int),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(func() {
		f.closeAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeIndexer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeIndexer) handle(method string, h handler) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

// setGenesis changes the network identity reported by later handshakes.
func (f *fakeIndexer) setGenesis(genesis string) {
	f.mu.Lock()
	f.genesis = genesis
	f.mu.Unlock()
}

func (f *fakeIndexer) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeIndexer) closeAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeIndexer) serve(conn *websocket.Conn) {
	defer conn.Close()
	send := func(frame interface{}) {
		data, _ := json.Marshal(frame)
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls[req.Method]++
		h, ok := f.handlers[req.Method]
		f.mu.Unlock()
		if !ok {
			h = f.defaultHandler
		}
		if !h(req, send) {
			return
		}
	}
}

func (f *fakeIndexer) defaultHandler(req request, send func(frame interface{})) bool {
	if req.Method == "server.features" {
		f.mu.Lock()
		genesis := f.genesis
		f.mu.Unlock()
		send(resultFrame(req.ID, ServerFeatures{
			GenesisHash:   genesis,
			ServerVersion: "Fulcrum 1.9.8",
			Protocol:      "1.5",
			HashFunction:  "sha256",
		}))
		return true
	}
	send(errorFrame(req.ID, -32601, "unknown method "+req.Method))
	return true
}

func resultFrame(id uint64, result interface{}) map[string]interface{} {
	return map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result}
}

func errorFrame(id uint64, code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	}
}

func testChainConfig(url string) configuration.Chain {
	cfg := configuration.Default().Chain
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.CallTimeout = 2 * time.Second
	cfg.CallRetries = 2
	cfg.CallRetryDelay = 10 * time.Millisecond
	cfg.ReconnectBaseDelay = 100 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	return cfg
}

func testObservability() *observability.Observability {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	return observability.New(log)
}

func noReconnect(time.Duration, func()) func() bool {
	return func() bool { return true }
}

// waitState polls until the client reaches want.
func waitState(t *testing.T, c *Client, want State) {
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client state %v, want %v", c.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(t *testing.T, cfg configuration.Chain) *Client {
	network, err := NetworkByName("mainnet")
	require.NoError(t, err)
	c := NewClient(cfg, network, testObservability())
	c.after = noReconnect
	t.Cleanup(c.Disconnect)
	return c
}
