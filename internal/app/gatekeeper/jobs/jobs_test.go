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
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/internal/testutils"
	"github.com/insolar/gatekeeper/observability"
)

const (
	groupID  = int64(-500)
	address  = "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"
	category = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
)

type balances struct {
	amount atomic.Value
}

func (b *balances) set(v string) {
	b.amount.Store(v)
}

func (b *balances) GetTokenBalanceFT(context.Context, string, string) (*big.Int, error) {
	v, _ := new(big.Int).SetString(b.amount.Load().(string), 10)
	return v, nil
}

func (b *balances) GetTokenBalanceNFTCount(context.Context, string, string) (int, error) {
	return 0, nil
}

type fixture struct {
	store     *testutils.MemoryStore
	balances  *balances
	moderator *testutils.ModeratorMock
	evaluator *gate.Evaluator
	recheck   *Recheck
	grace     *GraceExpiry
}

func newFixture(t *testing.T, graceSec int64) *fixture {
	obs := observability.New(logrus.New())
	f := &fixture{
		store:     testutils.NewMemoryStore(),
		balances:  &balances{},
		moderator: &testutils.ModeratorMock{},
	}
	f.balances.set("0")
	recorder := audit.NewRecorder(obs, f.store)
	f.evaluator = gate.NewEvaluator(obs, f.balances, f.store, recorder)
	actuator := enforce.NewActuator(obs, f.moderator, f.store, recorder, nil)
	f.recheck = NewRecheck(obs, f.store, f.evaluator, actuator, recorder)
	f.grace = NewGraceExpiry(obs, f.store, f.evaluator, actuator, recorder)

	ctx := context.Background()
	require.NoError(t, f.store.SaveGroup(ctx, &gatekeeper.Group{
		ID:     groupID,
		Title:  "holders",
		Mode:   gatekeeper.ModeRestrict,
		Active: true,
		Rule: &gatekeeper.GateRule{
			GateType:           gatekeeper.GateFT,
			TokenCategory:      category,
			MinAmountBase:      big.NewInt(1000),
			RecheckIntervalSec: 600,
			GracePeriodSec:     graceSec,
			ActionOnFail:       gatekeeper.FailRestrict,
		},
	}))
	return f
}

func (f *fixture) verified(t *testing.T, userID int64) {
	require.NoError(t, f.store.SaveVerifiedAddress(context.Background(), &gatekeeper.UserAddress{
		UserID:     userID,
		Address:    address,
		VerifiedAt: time.Now(),
	}))
}

// evaluate runs the gate for the user with the current balance.
func (f *fixture) evaluate(t *testing.T, userID int64) *gatekeeper.Membership {
	ctx := context.Background()
	group, err := f.store.Group(ctx, groupID)
	require.NoError(t, err)
	ev, err := f.evaluator.Evaluate(ctx, address, group.Rule)
	require.NoError(t, err)
	m, _, err := f.evaluator.Persist(ctx, userID, groupID, ev)
	require.NoError(t, err)
	return m
}

func (f *fixture) membership(t *testing.T, userID int64) *gatekeeper.Membership {
	m, err := f.store.Membership(context.Background(), userID, groupID)
	require.NoError(t, err)
	return m
}

func countAudit(store *testutils.MemoryStore, typ gatekeeper.AuditType) int {
	n := 0
	for _, got := range store.AuditTypes() {
		if got == typ {
			n++
		}
	}
	return n
}

func TestGraceExpiry_ZeroGraceEnforcesOnNextRun(t *testing.T) {
	f := newFixture(t, 0)
	f.verified(t, 1)
	f.balances.set("10")
	f.evaluate(t, 1)
	f.moderator.On("Restrict", mock.Anything, groupID, int64(1)).Return(true, nil).Once()

	require.True(t, f.grace.Run(context.Background()))

	f.moderator.AssertExpectations(t)
	assert.Equal(t, gatekeeper.EnforcedRestricted, f.membership(t, 1).Enforced)
	assert.Equal(t, 1, countAudit(f.store, gatekeeper.AuditGraceExpired))

	f.grace.Run(context.Background())
	f.moderator.AssertNumberOfCalls(t, "Restrict", 1)
}

func TestGraceExpiry_WaitsForGracePeriod(t *testing.T) {
	f := newFixture(t, 3600)
	f.verified(t, 1)
	f.balances.set("10")
	f.evaluate(t, 1)
	ctx := context.Background()

	f.grace.Run(ctx)
	f.moderator.AssertNotCalled(t, "Restrict", mock.Anything, mock.Anything, mock.Anything)

	f.grace.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.moderator.On("Restrict", mock.Anything, groupID, int64(1)).Return(true, nil).Once()
	f.grace.Run(ctx)
	f.moderator.AssertExpectations(t)
}

func TestGraceExpiry_RecoveryWins(t *testing.T) {
	f := newFixture(t, 0)
	f.verified(t, 1)
	f.balances.set("10")
	f.evaluate(t, 1)

	f.balances.set("5000")
	f.grace.Run(context.Background())

	m := f.membership(t, 1)
	assert.Equal(t, gatekeeper.StatePass, m.State)
	assert.Nil(t, m.FailDetectedAt)
	assert.Equal(t, gatekeeper.EnforcedNone, m.Enforced)
	assert.Equal(t, 0, countAudit(f.store, gatekeeper.AuditGraceExpired))
	f.moderator.AssertNotCalled(t, "Restrict", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecheck_Run(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()
	f.balances.set("5000")
	f.verified(t, 1)
	first := f.evaluate(t, 1)
	f.evaluate(t, 2)

	require.True(t, f.recheck.Run(ctx))
	assert.Equal(t, 0, countAudit(f.store, gatekeeper.AuditRecheck), "checked recently")

	f.recheck.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.balances.set("10")
	require.True(t, f.recheck.Run(ctx))

	m := f.membership(t, 1)
	assert.Equal(t, gatekeeper.StateFail, m.State)
	assert.Equal(t, "10", m.LastBalanceBase)
	assert.True(t, m.LastCheckedAt.After(*first.LastCheckedAt) || m.LastCheckedAt.Equal(*first.LastCheckedAt))
	assert.NotNil(t, m.FailDetectedAt)
	assert.Equal(t, 1, countAudit(f.store, gatekeeper.AuditRecheck), "user 2 has no verified address")

	entries := f.store.AuditEntries()
	var recheck gatekeeper.AuditEntry
	for _, e := range entries {
		if e.Type == gatekeeper.AuditRecheck {
			recheck = e
		}
	}
	assert.Equal(t, gatekeeper.StatePass, recheck.Payload["previous_state"])
	assert.Equal(t, gatekeeper.StateFail, recheck.Payload["new_state"])
}

func TestRecheck_LiftsEnforcementOnRecovery(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.verified(t, 1)
	f.balances.set("10")
	f.evaluate(t, 1)
	require.NoError(t, f.store.SetEnforced(ctx, 1, groupID, gatekeeper.EnforcedRestricted))

	f.balances.set("1000")
	f.recheck.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.moderator.On("Unrestrict", mock.Anything, groupID, int64(1)).Return(true, nil).Once()
	f.recheck.Run(ctx)

	f.moderator.AssertExpectations(t)
	assert.Equal(t, gatekeeper.EnforcedNone, f.membership(t, 1).Enforced)
}

func TestRecheck_SkipsOverlappingRun(t *testing.T) {
	f := newFixture(t, 0)
	atomic.StoreInt32(&f.recheck.running, 1)
	assert.False(t, f.recheck.Run(context.Background()))
}

type expirer struct {
	n   int
	err error
}

func (e *expirer) ExpireStale(context.Context) (int, error) {
	return e.n, e.err
}

type sweeper int

func (s sweeper) Sweep(time.Time) int {
	return int(s)
}

func TestCleanup_Run(t *testing.T) {
	obs := observability.New(logrus.New())
	j := NewCleanup(obs, &expirer{err: errors.New("db down")}, sweeper(2))
	assert.True(t, j.Run(context.Background()), "sweepers run even when the store fails")

	atomic.StoreInt32(&j.running, 1)
	assert.False(t, j.Run(context.Background()))
}
