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

// GraceExpiry enforces failing members whose grace period ran out. Each one
// is evaluated once more first: a member who recovered is left alone.
type GraceExpiry struct {
	base
}

func NewGraceExpiry(
	obs *observability.Observability,
	store gatekeeper.Store,
	evaluator *gate.Evaluator,
	actuator *enforce.Actuator,
	recorder *audit.Recorder,
) *GraceExpiry {
	return &GraceExpiry{base: newBase("grace_expiry", obs, store, evaluator, actuator, recorder)}
}

func (j *GraceExpiry) Run(ctx context.Context) bool {
	if !j.enter() {
		return false
	}
	defer j.leave()

	for _, g := range j.gatedGroups(ctx) {
		before := j.now().UTC().Add(-g.Rule.GracePeriod())
		expired, err := j.store.GraceExpired(ctx, g.ID, before)
		if err != nil {
			j.metrics.errors.WithLabelValues(j.name).Inc()
			j.log.WithField("group_id", g.ID).WithError(err).Error("failed to load memberships past grace")
			continue
		}
		for _, m := range expired {
			if ctx.Err() != nil {
				return true
			}
			j.expire(ctx, g, m)
		}
	}
	return true
}

func (j *GraceExpiry) expire(ctx context.Context, g *gatekeeper.Group, m *gatekeeper.Membership) {
	ev, _, _, err := j.evaluate(ctx, m, g.Rule)
	if err != nil {
		j.fail(m, err, "grace expiry evaluation failed")
		return
	}
	j.metrics.touched.WithLabelValues(j.name).Inc()
	if ev.Pass {
		j.log.WithField("user_id", m.UserID).WithField("group_id", m.GroupID).Info("member recovered during grace period")
		return
	}
	res := j.actuator.Enforce(ctx, m.UserID, m.GroupID, false, g.Mode, g.Rule.ActionOnFail)
	payload := gatekeeper.Payload{
		"action":       res.Action,
		"success":      res.Success,
		"balance":      ev.Balance,
		"threshold":    ev.Threshold,
		"grace_period": g.Rule.GracePeriodSec,
	}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	j.audit.Record(ctx, gatekeeper.AuditGraceExpired, m.GroupID, m.UserID, payload)
}
