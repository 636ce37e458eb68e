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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/internal/notify"
	"github.com/insolar/gatekeeper/observability"
)

var ErrGroupInactive = errors.New("group is not active")

// Refresher drops cached chain data of an address so an on demand check
// sees the current holding.
type Refresher interface {
	Refresh(address string)
}

type CheckResult struct {
	Evaluation  *gate.Evaluation
	Membership  *gatekeeper.Membership
	Previous    gatekeeper.MembershipState
	Enforcement *enforce.Result
}

type Summary struct {
	Checked int `json:"checked"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

type Pipeline struct {
	groups    gatekeeper.GroupStorage
	addresses gatekeeper.AddressStorage
	members   gatekeeper.MembershipStorage
	evaluator *gate.Evaluator
	actuator  *enforce.Actuator
	refresher Refresher
	notifier  notify.Sink
	log       *logrus.Logger
}

func New(
	obs *observability.Observability,
	store gatekeeper.Store,
	evaluator *gate.Evaluator,
	actuator *enforce.Actuator,
	refresher Refresher,
	notifier notify.Sink,
) *Pipeline {
	return &Pipeline{
		groups:    store,
		addresses: store,
		members:   store,
		evaluator: evaluator,
		actuator:  actuator,
		refresher: refresher,
		notifier:  notifier,
		log:       obs.Log(),
	}
}

// ProcessGateCheck evaluates the user's verified address against the group
// rule, records the result and enforces it. A failing member is enforced
// right away only when the group has no grace period; otherwise the grace
// expiry job does it later. Safe to call any time: every step is idempotent.
func (p *Pipeline) ProcessGateCheck(ctx context.Context, userID, groupID int64) (*CheckResult, error) {
	group, err := p.groups.Group(ctx, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load group %d", groupID)
	}
	if !group.Active {
		return nil, ErrGroupInactive
	}
	if group.Rule == nil {
		return nil, gatekeeper.ErrGateNotConfigured
	}
	addr, err := p.addresses.LatestAddress(ctx, userID)
	if err == gatekeeper.ErrNotFound {
		return nil, gatekeeper.ErrNoVerifiedAddress
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load verified address")
	}
	if p.refresher != nil {
		p.refresher.Refresh(addr.Address)
	}

	ev, err := p.evaluator.Evaluate(ctx, addr.Address, group.Rule)
	if err != nil {
		return nil, err
	}
	m, previous, err := p.evaluator.Persist(ctx, userID, groupID, ev)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{Evaluation: ev, Membership: m, Previous: previous}

	rule := group.Rule
	switch {
	case ev.Pass, rule.GracePeriodSec == 0:
		r := p.actuator.Enforce(ctx, userID, groupID, ev.Pass, group.Mode, rule.ActionOnFail)
		res.Enforcement = &r
	case previous != gatekeeper.StateFail:
		notify.Send(ctx, p.notifier, p.log, 10*time.Second, notify.Notification{
			Kind:    notify.KindGraceStarted,
			UserID:  userID,
			GroupID: groupID,
			Message: fmt.Sprintf(
				"Your holding in %q is %s, below the required %s. You have %s to top up before %s.",
				group.Title, ev.Balance, ev.Threshold, rule.GracePeriod(), graceAction(rule.ActionOnFail),
			),
		})
	}
	return res, nil
}

// ProcessUserGateChecks rechecks every group the user has a membership in.
// Failures are counted, not returned, so the chat layer can report them as
// is.
func (p *Pipeline) ProcessUserGateChecks(ctx context.Context, userID int64) Summary {
	var sum Summary
	memberships, err := p.members.UserMemberships(ctx, userID)
	if err != nil {
		p.log.WithField("user_id", userID).WithError(err).Error("failed to load memberships")
		sum.Errors++
		return sum
	}
	for _, m := range memberships {
		sum.Checked++
		res, err := p.ProcessGateCheck(ctx, userID, m.GroupID)
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"user_id":  userID,
				"group_id": m.GroupID,
			}).WithError(err).Warn("gate check failed")
			sum.Errors++
			continue
		}
		if res.Evaluation.Pass {
			sum.Passed++
		} else {
			sum.Failed++
		}
	}
	return sum
}

func graceAction(a gatekeeper.FailAction) string {
	if a == gatekeeper.FailKick {
		return "being removed"
	}
	return "losing the right to post"
}
