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

package gate

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/observability"
)

// BalanceSource answers token holding queries.
type BalanceSource interface {
	GetTokenBalanceFT(ctx context.Context, address, category string) (*big.Int, error)
	GetTokenBalanceNFTCount(ctx context.Context, address, category string) (int, error)
}

// Evaluation is the outcome of one gate check. Balance and Threshold are
// decimal strings: FT amounts do not fit a float64.
type Evaluation struct {
	Pass          bool
	Balance       string
	Threshold     string
	GateType      gatekeeper.GateType
	TokenCategory string
	Address       string
}

func (e *Evaluation) payload() gatekeeper.Payload {
	return gatekeeper.Payload{
		"pass":           e.Pass,
		"balance":        e.Balance,
		"threshold":      e.Threshold,
		"gate_type":      e.GateType,
		"token_category": e.TokenCategory,
		"address":        e.Address,
	}
}

type Evaluator struct {
	chain       BalanceSource
	memberships gatekeeper.MembershipStorage
	audit       *audit.Recorder
	log         *logrus.Logger
	results     *prometheus.CounterVec
	now         func() time.Time
}

func NewEvaluator(
	obs *observability.Observability,
	chain BalanceSource,
	memberships gatekeeper.MembershipStorage,
	recorder *audit.Recorder,
) *Evaluator {
	return &Evaluator{
		chain:       chain,
		memberships: memberships,
		audit:       recorder,
		log:         obs.Log(),
		results: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_gate_evaluations_total",
			Help: "Gate evaluations by gate type and result.",
		}, "gate_type", "result"),
		now: time.Now,
	}
}

// Evaluate checks the holding of address against rule. It has no side
// effects besides chain queries.
func (e *Evaluator) Evaluate(ctx context.Context, address string, rule *gatekeeper.GateRule) (*Evaluation, error) {
	if rule == nil {
		return nil, gatekeeper.ErrGateNotConfigured
	}
	ev := &Evaluation{
		GateType:      rule.GateType,
		TokenCategory: rule.TokenCategory,
		Address:       address,
		Threshold:     rule.Threshold(),
	}
	switch rule.GateType {
	case gatekeeper.GateFT:
		balance, err := e.chain.GetTokenBalanceFT(ctx, address, rule.TokenCategory)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get FT balance of %s", address)
		}
		threshold := rule.MinAmountBase
		if threshold == nil {
			threshold = new(big.Int)
		}
		ev.Balance = balance.String()
		ev.Pass = balance.Cmp(threshold) >= 0
	case gatekeeper.GateNFT:
		count, err := e.chain.GetTokenBalanceNFTCount(ctx, address, rule.TokenCategory)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get NFT count of %s", address)
		}
		ev.Balance = big.NewInt(int64(count)).String()
		ev.Pass = count >= rule.MinCount
	default:
		return nil, errors.Errorf("unknown gate type %q", rule.GateType)
	}
	result := "fail"
	if ev.Pass {
		result = "pass"
	}
	e.results.WithLabelValues(string(rule.GateType), result).Inc()
	return ev, nil
}

// Persist records ev on the membership of (userID, groupID) and returns the
// saved membership with the state it had before. The failure clock starts
// only on a transition into VERIFIED_FAIL.
func (e *Evaluator) Persist(ctx context.Context, userID, groupID int64, ev *Evaluation) (*gatekeeper.Membership, gatekeeper.MembershipState, error) {
	m, err := e.memberships.Membership(ctx, userID, groupID)
	if err == gatekeeper.ErrNotFound {
		m = gatekeeper.NewMembership(userID, groupID)
	} else if err != nil {
		return nil, "", err
	}
	previous := m.State

	now := e.now().UTC()
	m.LastBalanceBase = ev.Balance
	m.LastCheckedAt = &now
	if ev.Pass {
		m.State = gatekeeper.StatePass
		m.FailDetectedAt = nil
	} else {
		m.State = gatekeeper.StateFail
		if m.FailDetectedAt == nil {
			m.FailDetectedAt = &now
		}
	}
	if err := e.memberships.SaveMembership(ctx, m); err != nil {
		return nil, previous, errors.Wrap(err, "failed to persist evaluation")
	}

	typ := gatekeeper.AuditGateFail
	if ev.Pass {
		typ = gatekeeper.AuditGatePass
	}
	payload := ev.payload()
	payload["previous_state"] = previous
	e.audit.Record(ctx, typ, groupID, userID, payload)

	e.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"group_id": groupID,
		"pass":     ev.Pass,
		"balance":  ev.Balance,
	}).Debug("gate evaluated")
	return m, previous, nil
}
