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

package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/notify"
	"github.com/insolar/gatekeeper/observability"
)

type Action string

const (
	ActionNone       Action = "NONE"
	ActionApprove    Action = "APPROVE"
	ActionUnrestrict Action = "UNRESTRICT"
	ActionRestrict   Action = "RESTRICT"
	ActionKick       Action = "KICK"
)

// Moderator applies moderation actions in the chat. Every method reports
// whether the observed state changed; false with a nil error means the
// user was already in the target state.
type Moderator interface {
	ApproveJoinRequest(ctx context.Context, groupID, userID int64) (bool, error)
	Unrestrict(ctx context.Context, groupID, userID int64) (bool, error)
	Restrict(ctx context.Context, groupID, userID int64) (bool, error)
	// Kick bans and immediately unbans so the user may rejoin later.
	Kick(ctx context.Context, groupID, userID int64) (bool, error)
}

type Result struct {
	Action  Action
	Success bool
	Err     error
}

type Actuator struct {
	moderator     Moderator
	memberships   gatekeeper.MembershipStorage
	audit         *audit.Recorder
	notifier      notify.Sink
	notifyTimeout time.Duration
	log           *logrus.Logger
	actions       *prometheus.CounterVec
}

func NewActuator(
	obs *observability.Observability,
	moderator Moderator,
	memberships gatekeeper.MembershipStorage,
	recorder *audit.Recorder,
	notifier notify.Sink,
) *Actuator {
	return &Actuator{
		moderator:     moderator,
		memberships:   memberships,
		audit:         recorder,
		notifier:      notifier,
		notifyTimeout: 10 * time.Second,
		log:           obs.Log(),
		actions: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_enforcement_actions_total",
			Help: "Enforcement attempts by intended action and outcome.",
		}, "action", "outcome"),
	}
}

// Enforce applies the moderation action the gate decision calls for. The
// membership enforced state is updated only when the action succeeded.
// Notifying the user happens afterwards and never changes the result.
func (a *Actuator) Enforce(
	ctx context.Context,
	userID, groupID int64,
	pass bool,
	mode gatekeeper.GroupMode,
	onFail gatekeeper.FailAction,
) Result {
	logger := a.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"group_id": groupID,
		"pass":     pass,
	})
	action, target := a.decide(ctx, userID, groupID, pass, mode, onFail)

	changed, err := a.apply(ctx, action, groupID, userID)
	if err != nil {
		a.actions.WithLabelValues(string(action), "error").Inc()
		logger.WithError(err).WithField("action", action).Error("enforcement failed")
		a.audit.Record(ctx, gatekeeper.AuditEnforceFailed, groupID, userID, gatekeeper.Payload{
			"action": action,
			"error":  err.Error(),
		})
		return Result{Action: action, Success: false, Err: err}
	}

	res := Result{Action: action, Success: true}
	if !changed {
		res.Action = ActionNone
	}
	a.actions.WithLabelValues(string(action), "ok").Inc()

	if err := a.memberships.SetEnforced(ctx, userID, groupID, target); err != nil {
		logger.WithError(err).Error("failed to update enforced state")
	}
	a.audit.Record(ctx, auditType(res.Action), groupID, userID, gatekeeper.Payload{
		"action":   action,
		"applied":  changed,
		"enforced": target,
	})
	logger.WithField("action", res.Action).Info("enforced")

	if res.Action != ActionNone {
		notify.Send(ctx, a.notifier, a.log, a.notifyTimeout, notify.Notification{
			Kind:    notify.KindEnforced,
			UserID:  userID,
			GroupID: groupID,
			Action:  string(res.Action),
			Message: message(res.Action),
		})
	}
	return res
}

func (a *Actuator) decide(
	ctx context.Context,
	userID, groupID int64,
	pass bool,
	mode gatekeeper.GroupMode,
	onFail gatekeeper.FailAction,
) (Action, gatekeeper.EnforcedState) {
	if !pass {
		if onFail == gatekeeper.FailKick {
			return ActionKick, gatekeeper.EnforcedKicked
		}
		return ActionRestrict, gatekeeper.EnforcedRestricted
	}
	if mode == gatekeeper.ModeJoinRequest {
		// A restricted member has no join request left to approve.
		m, err := a.memberships.Membership(ctx, userID, groupID)
		if err == nil && m.Enforced == gatekeeper.EnforcedRestricted {
			return ActionUnrestrict, gatekeeper.EnforcedNone
		}
		return ActionApprove, gatekeeper.EnforcedNone
	}
	return ActionUnrestrict, gatekeeper.EnforcedNone
}

func (a *Actuator) apply(ctx context.Context, action Action, groupID, userID int64) (bool, error) {
	switch action {
	case ActionApprove:
		return a.moderator.ApproveJoinRequest(ctx, groupID, userID)
	case ActionUnrestrict:
		return a.moderator.Unrestrict(ctx, groupID, userID)
	case ActionRestrict:
		return a.moderator.Restrict(ctx, groupID, userID)
	case ActionKick:
		return a.moderator.Kick(ctx, groupID, userID)
	}
	return false, fmt.Errorf("unknown action %s", action)
}

func auditType(action Action) gatekeeper.AuditType {
	switch action {
	case ActionApprove:
		return gatekeeper.AuditEnforceApprove
	case ActionUnrestrict:
		return gatekeeper.AuditEnforceUnrestrict
	case ActionRestrict:
		return gatekeeper.AuditEnforceRestrict
	case ActionKick:
		return gatekeeper.AuditEnforceKick
	}
	return gatekeeper.AuditEnforceNoop
}

func message(action Action) string {
	switch action {
	case ActionApprove:
		return "Your join request was approved, welcome!"
	case ActionUnrestrict:
		return "Your token holding is verified again, you can post in the group."
	case ActionRestrict:
		return "Your token holding is below the group requirement. You can read but not post until you top up."
	case ActionKick:
		return "Your token holding is below the group requirement and you were removed. Verify again to rejoin."
	}
	return ""
}
