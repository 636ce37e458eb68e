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

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/observability"
)

// Recheck re-evaluates evaluated memberships whose last check is older than
// the group's recheck interval. A member found passing while still enforced
// gets the enforcement lifted.
type Recheck struct {
	base
}

func NewRecheck(
	obs *observability.Observability,
	store gatekeeper.Store,
	evaluator *gate.Evaluator,
	actuator *enforce.Actuator,
	recorder *audit.Recorder,
) *Recheck {
	return &Recheck{base: newBase("recheck", obs, store, evaluator, actuator, recorder)}
}

func (j *Recheck) Run(ctx context.Context) bool {
	if !j.enter() {
		return false
	}
	defer j.leave()

	for _, g := range j.gatedGroups(ctx) {
		before := j.now().UTC().Add(-g.Rule.RecheckInterval())
		due, err := j.store.DueForRecheck(ctx, g.ID, before)
		if err != nil {
			j.metrics.errors.WithLabelValues(j.name).Inc()
			j.log.WithField("group_id", g.ID).WithError(err).Error("failed to load memberships due for recheck")
			continue
		}
		for _, m := range due {
			if ctx.Err() != nil {
				return true
			}
			j.recheck(ctx, g, m)
		}
	}
	return true
}

func (j *Recheck) recheck(ctx context.Context, g *gatekeeper.Group, m *gatekeeper.Membership) {
	ev, saved, previous, err := j.evaluate(ctx, m, g.Rule)
	if err != nil {
		j.fail(m, err, "recheck failed")
		return
	}
	j.metrics.touched.WithLabelValues(j.name).Inc()
	j.audit.Record(ctx, gatekeeper.AuditRecheck, m.GroupID, m.UserID, gatekeeper.Payload{
		"previous_state": previous,
		"new_state":      saved.State,
		"balance":        ev.Balance,
		"threshold":      ev.Threshold,
	})
	if ev.Pass && saved.Enforced != gatekeeper.EnforcedNone {
		j.actuator.Enforce(ctx, m.UserID, m.GroupID, true, g.Mode, g.Rule.ActionOnFail)
	}
}
