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

package component

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/connectivity"
	"github.com/insolar/gatekeeper/internal/app/api"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/internal/dbconn"
	"github.com/insolar/gatekeeper/observability"
)

// drainTimeout bounds how long Stop waits for in-progress cycles before
// cancelling their context.
const drainTimeout = 30 * time.Second

type Manager struct {
	stopSignal chan struct{}
	stopOnce   sync.Once
	// ctx is handed to cycles; Stop cancels it only once they drained
	// or drainTimeout passed.
	ctx          context.Context
	cancel       context.CancelFunc
	drainTimeout time.Duration
	wg           sync.WaitGroup

	cfg  *configuration.Configuration
	log  *logrus.Logger
	conn *connectivity.Connectivity
	app  *app
	stop func()

	// set when the chain adapter could not connect at start
	degraded int32

	router *Router
	api    *api.Server
}

func Prepare() *Manager {
	cfg := configuration.Load(logrus.New())
	obs := observability.Make(cfg.Log)
	conn := connectivity.Make(cfg, obs)
	a := makeApp(cfg, obs, conn)

	m := newManager(obs.Log())
	m.cfg = cfg
	m.conn = conn
	m.app = a
	m.router = NewRouter(cfg, obs, m.health)
	m.api = api.NewServer(cfg.API, obs, a.sessions, a.pipeline, a.flows)
	m.stop = makeStopper(obs, conn, m.router, m.api)
	return m
}

func newManager(log *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		stopSignal:   make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		drainTimeout: drainTimeout,
		log:          log,
	}
}

func (m *Manager) Start() {
	m.router.Start()

	if err := dbconn.WaitReady(m.ctx, m.conn.PG(), m.cfg.DB, m.log); err != nil {
		m.log.Fatal(err)
	}
	m.api.Start()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Chain.ConnectTimeout)
	defer cancel()
	if err := m.conn.Chain().Connect(ctx); err != nil {
		atomic.StoreInt32(&m.degraded, 1)
		m.log.WithField("fatal", true).WithError(err).
			Error("chain indexer is unavailable, verification and scheduled jobs are not started")
		return
	}

	for _, t := range m.app.tasks {
		m.schedule(t)
	}
}

// Stop clears the timers, lets running cycles finish and closes connections.
func (m *Manager) Stop() {
	m.halt()
	m.stop()
}

func (m *Manager) halt() {
	m.stopOnce.Do(func() { close(m.stopSignal) })

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.drainTimeout):
		m.log.Warnf("cycles still running after %s, cancelling them", m.drainTimeout)
		m.cancel()
		<-drained
	}
	m.cancel()
}

func (m *Manager) schedule(t scheduled) {
	if t.interval <= 0 {
		m.log.WithField("task", t.name).Warn("task interval is not positive, task is disabled")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		log := m.log.WithField("task", t.name)
		log.Infof("scheduled every %s", t.interval)
		for {
			select {
			case <-m.stopSignal:
				return
			case <-ticker.C:
				select {
				case <-m.stopSignal:
					return
				default:
				}
				t.run(m.ctx)
			}
		}
	}()
}

func (m *Manager) health() error {
	if atomic.LoadInt32(&m.degraded) == 1 {
		return errors.New("chain indexer unavailable at start")
	}
	if state := m.conn.Chain().State(); state == chain.StateDisabled {
		return errors.Errorf("chain indexer %s", state)
	}
	return nil
}
