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

package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/observability"
)

// Job is a periodic task. Run returns false when the previous run of the
// same job has not finished yet.
type Job interface {
	Name() string
	Run(ctx context.Context) bool
}

type metrics struct {
	runs    *prometheus.CounterVec
	skips   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	touched *prometheus.CounterVec
}

func newMetrics(obs *observability.Observability) *metrics {
	return &metrics{
		runs: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_job_runs_total",
			Help: "Completed job runs.",
		}, "job"),
		skips: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_job_skips_total",
			Help: "Job ticks skipped because the previous run was in progress.",
		}, "job"),
		errors: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_job_errors_total",
			Help: "Per item job failures.",
		}, "job"),
		touched: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_job_items_total",
			Help: "Items processed by jobs.",
		}, "job"),
	}
}

// base holds what every membership job shares.
type base struct {
	name      string
	store     gatekeeper.Store
	evaluator *gate.Evaluator
	actuator  *enforce.Actuator
	audit     *audit.Recorder
	log       *logrus.Entry
	metrics   *metrics
	now       func() time.Time

	running int32
}

func newBase(
	name string,
	obs *observability.Observability,
	store gatekeeper.Store,
	evaluator *gate.Evaluator,
	actuator *enforce.Actuator,
	recorder *audit.Recorder,
) base {
	return base{
		name:      name,
		store:     store,
		evaluator: evaluator,
		actuator:  actuator,
		audit:     recorder,
		log:       obs.Log().WithField("job", name),
		metrics:   newMetrics(obs),
		now:       time.Now,
	}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) enter() bool {
	if !atomic.CompareAndSwapInt32(&b.running, 0, 1) {
		b.metrics.skips.WithLabelValues(b.name).Inc()
		b.log.Debug("previous run in progress, tick skipped")
		return false
	}
	return true
}

func (b *base) leave() {
	b.metrics.runs.WithLabelValues(b.name).Inc()
	atomic.StoreInt32(&b.running, 0)
}

func (b *base) fail(m *gatekeeper.Membership, err error, msg string) {
	b.metrics.errors.WithLabelValues(b.name).Inc()
	b.log.WithFields(logrus.Fields{
		"user_id":  m.UserID,
		"group_id": m.GroupID,
	}).WithError(err).Error(msg)
}

// gatedGroups returns active groups with a configured rule.
func (b *base) gatedGroups(ctx context.Context) []*gatekeeper.Group {
	groups, err := b.store.ActiveGroups(ctx)
	if err != nil {
		b.metrics.errors.WithLabelValues(b.name).Inc()
		b.log.WithError(err).Error("failed to load groups")
		return nil
	}
	res := groups[:0]
	for _, g := range groups {
		if g.Rule != nil {
			res = append(res, g)
		}
	}
	return res
}

// evaluate re-runs the gate for m against the user's latest verified address.
func (b *base) evaluate(ctx context.Context, m *gatekeeper.Membership, rule *gatekeeper.GateRule) (*gate.Evaluation, *gatekeeper.Membership, gatekeeper.MembershipState, error) {
	addr, err := b.store.LatestAddress(ctx, m.UserID)
	if err == gatekeeper.ErrNotFound {
		return nil, nil, "", gatekeeper.ErrNoVerifiedAddress
	}
	if err != nil {
		return nil, nil, "", err
	}
	ev, err := b.evaluator.Evaluate(ctx, addr.Address, rule)
	if err != nil {
		return nil, nil, "", err
	}
	saved, previous, err := b.evaluator.Persist(ctx, m.UserID, m.GroupID, ev)
	if err != nil {
		return nil, nil, "", err
	}
	return ev, saved, previous, nil
}
