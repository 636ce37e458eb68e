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
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/pkg/cycle"
	"github.com/insolar/gatekeeper/observability"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDisabled is terminal: the indexer serves a different network.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// Conn is the part of *websocket.Conn the client needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (Conn, error)

func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// scheduler runs f after d and returns a function cancelling it.
type scheduler func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type clientMetrics struct {
	calls      *prometheus.CounterVec
	reconnects prometheus.Counter
	dropped    prometheus.Counter
}

// Client owns the single indexer connection and the pending request table.
type Client struct {
	cfg     configuration.Chain
	network Network
	log     logrus.FieldLogger
	dial    Dialer
	after   scheduler
	metrics clientMetrics

	nextID  uint64
	pending *pendingTable
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           Conn
	attemptDone    chan struct{}
	lastConnectErr error
	disabledErr    error
	stopped        bool
	attempt        int
	cancelRetry    func() bool
}

func NewClient(cfg configuration.Chain, network Network, obs *observability.Observability) *Client {
	return &Client{
		cfg:     cfg,
		network: network,
		log:     obs.Log().WithField("component", "chain"),
		dial:    WebsocketDialer,
		after:   afterFunc,
		pending: newPendingTable(),
		metrics: clientMetrics{
			calls: obs.CounterVec(prometheus.CounterOpts{
				Name: "gatekeeper_chain_calls_total",
				Help: "Indexer calls by method and outcome.",
			}, "method", "outcome"),
			reconnects: obs.Counter(prometheus.CounterOpts{
				Name: "gatekeeper_chain_reconnects_total",
				Help: "Scheduled reconnects to the indexer.",
			}),
			dropped: obs.Counter(prometheus.CounterOpts{
				Name: "gatekeeper_chain_dropped_messages_total",
				Help: "Indexer messages without a matching pending request.",
			}),
		},
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection and checks the network identity. It returns
// immediately when already connected and fails permanently once disabled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisabled:
		err := c.disabledErr
		c.mu.Unlock()
		return err
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		wait := c.attemptDone
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return &TransportError{Op: "connect", Err: ctx.Err()}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		switch c.state {
		case StateConnected:
			return nil
		case StateDisabled:
			return c.disabledErr
		}
		if c.lastConnectErr != nil {
			return c.lastConnectErr
		}
		return &TransportError{Op: "connect", Err: errClosed}
	}

	c.state = StateConnecting
	done := make(chan struct{})
	c.attemptDone = done
	c.mu.Unlock()

	err := c.establish(ctx)

	c.mu.Lock()
	c.lastConnectErr = err
	close(done)
	c.mu.Unlock()
	return err
}

func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.log.Infof("connecting to indexer %s", c.cfg.URL)
	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return &TransportError{Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	features, err := c.features(ctx, conn)
	if err != nil {
		c.dropConn(conn, StateDisconnected)
		if IsTransport(err) {
			return err
		}
		return &TransportError{Op: "connect", Err: err}
	}

	if !strings.EqualFold(features.GenesisHash, c.network.GenesisHash) {
		cfgErr := &ConfigurationError{Expected: c.network.GenesisHash, Actual: features.GenesisHash}
		c.mu.Lock()
		c.disabledErr = cfgErr
		if c.cancelRetry != nil {
			c.cancelRetry()
			c.cancelRetry = nil
		}
		c.mu.Unlock()
		c.dropConn(conn, StateDisabled)
		c.log.WithField("fatal", true).Error(errors.Wrap(cfgErr, "indexer identity check failed, reconnection disabled"))
		return cfgErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.conn != conn {
		// Disconnect won the race.
		if c.conn == conn {
			c.conn = nil
		}
		c.state = StateDisconnected
		go conn.Close()
		return &TransportError{Op: "connect", Err: errDisconnected}
	}
	c.state = StateConnected
	c.attempt = 0
	c.log.Infof("connected to indexer %s (%s, %s)", c.cfg.URL, features.ServerVersion, c.network.Name)
	return nil
}

// Disconnect rejects every in-flight request and stops reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	conn := c.conn
	c.conn = nil
	if c.state != StateDisabled {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.pending.rejectAll(func(method string) error {
		return &TransportError{Op: method, Err: errDisconnected}
	})
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateDisabled {
		c.state = s
	}
	c.mu.Unlock()
}

// dropConn closes conn without scheduling a reconnect.
func (c *Client) dropConn(conn Conn, next State) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.state != StateDisabled {
		c.state = next
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onClose(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.metrics.dropped.Inc()
		c.log.WithError(err).Warn("failed to parse indexer message, dropped")
		return
	}
	if resp.ID == nil {
		c.metrics.dropped.Inc()
		c.log.WithField("method", resp.Method).Debug("indexer notification dropped")
		return
	}
	call, ok := c.pending.take(*resp.ID)
	if !ok {
		c.metrics.dropped.Inc()
		c.log.WithField("id", *resp.ID).Warn("response for unknown request id, dropped")
		return
	}
	call.done <- reply{resp: &resp}
}

func (c *Client) onClose(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// already torn down by Disconnect or a failed handshake
		c.mu.Unlock()
		return
	}
	c.conn = nil
	// a handshake in progress settles its own state
	wasConnected := c.state == StateConnected
	if wasConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.pending.rejectAll(func(method string) error {
		return &TransportError{Op: method, Err: errClosed}
	})

	if !wasConnected {
		return
	}
	c.log.WithError(cause).Warn("indexer connection closed")
	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *Client) scheduleReconnectLocked() {
	if c.stopped || c.state == StateDisabled {
		return
	}
	c.attempt++
	if c.attempt > c.cfg.ReconnectMaxAttempts {
		c.log.WithField("fatal", true).Error(errors.Wrapf(errGaveUp, "indexer unreachable after %d attempts, restart required", c.cfg.ReconnectMaxAttempts))
		return
	}
	delay := c.cfg.ReconnectBaseDelay * time.Duration(1<<uint(c.attempt-1))
	c.metrics.reconnects.Inc()
	c.log.Infof("reconnecting to indexer in %s (attempt %d/%d)", delay, c.attempt, c.cfg.ReconnectMaxAttempts)
	c.cancelRetry = c.after(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.cancelRetry = nil
	if c.stopped || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.connect(context.Background())
	if err == nil || IsConfiguration(err) {
		return
	}
	c.log.WithError(err).Warn("reconnect attempt failed")
	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// Call performs one request, connecting first when needed. Transport errors
// are retried CallRetries times with a fixed delay; protocol errors are not.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	err := cycle.Until(ctx, func() error {
		return c.callOnce(ctx, method, params, result)
	}, IsTransport, c.cfg.CallRetryDelay, c.cfg.CallRetries+1, c.log)
	outcome := "ok"
	switch {
	case err == nil:
	case IsTransport(err):
		outcome = "transport_error"
	case IsProtocol(err):
		outcome = "protocol_error"
	default:
		outcome = "error"
	}
	c.metrics.calls.WithLabelValues(method, outcome).Inc()
	return err
}

func (c *Client) callOnce(ctx context.Context, method string, params []interface{}, result interface{}) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return &TransportError{Op: method, Err: errDisconnected}
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &TransportError{Op: method, Err: errClosed}
	}
	return c.roundTrip(ctx, conn, method, params, result)
}

func (c *Client) roundTrip(ctx context.Context, conn Conn, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := atomic.AddUint64(&c.nextID, 1)
	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s request", method)
	}

	call := c.pending.add(id, method)
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.take(id)
		return &TransportError{Op: method, Err: err}
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	var r reply
	select {
	case r = <-call.done:
	case <-timer.C:
		c.pending.take(id)
		return &TransportError{Op: method, Err: errTimeout}
	case <-ctx.Done():
		c.pending.take(id)
		return &TransportError{Op: method, Err: ctx.Err()}
	}
	if r.err != nil {
		return r.err
	}
	if r.resp.Error != nil {
		return &ProtocolError{Method: method, Code: r.resp.Error.Code, Message: r.resp.Error.Message}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(r.resp.Result, result); err != nil {
		return &ProtocolError{Method: method, Code: -1, Message: "malformed result: " + err.Error()}
	}
	return nil
}

type ServerFeatures struct {
	GenesisHash   string `json:"genesis_hash"`
	ServerVersion string `json:"server_version"`
	Protocol      string `json:"protocol_max"`
	HashFunction  string `json:"hash_function"`
}

func (c *Client) features(ctx context.Context, conn Conn) (*ServerFeatures, error) {
	features := &ServerFeatures{}
	if err := c.roundTrip(ctx, conn, "server.features", nil, features); err != nil {
		return nil, err
	}
	return features, nil
}
