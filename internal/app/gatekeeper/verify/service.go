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

package verify

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/internal/idgen"
	"github.com/insolar/gatekeeper/observability"
)

var ErrTooManySessions = errors.New("too many concurrent sessions")

// lost races for an amount before giving up
const createAttempts = 3

type AddressParser interface {
	ParseAddress(s string) (chain.Address, error)
}

type ChainTip interface {
	AddressParser
	TipHeight(ctx context.Context) (int64, error)
}

// Service creates verification sessions for the chat layer.
type Service struct {
	cfg      configuration.Verify
	store    gatekeeper.Store
	chain    ChainTip
	audit    *audit.Recorder
	log      *logrus.Logger
	created  prometheus.Counter
	exhausts prometheus.Counter
	now      func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewService(
	cfg configuration.Verify,
	obs *observability.Observability,
	store gatekeeper.Store,
	chain ChainTip,
	recorder *audit.Recorder,
) *Service {
	return &Service{
		cfg:   cfg,
		store: store,
		chain: chain,
		audit: recorder,
		log:   obs.Log(),
		created: obs.Counter(prometheus.CounterOpts{
			Name: "gatekeeper_verify_sessions_created_total",
			Help: "Verification sessions created.",
		}),
		exhausts: obs.Counter(prometheus.CounterOpts{
			Name: "gatekeeper_verify_amounts_exhausted_total",
			Help: "Session requests rejected because no verification amount was free.",
		}),
		now:  time.Now,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateSession opens an ownership challenge for claimedAddress. A PENDING
// session of the same user and group is expired. The amount is unique among
// PENDING sessions paying to the same verification address and among
// PENDING sessions of the group.
func (s *Service) CreateSession(ctx context.Context, userID, groupID int64, claimedAddress string) (*gatekeeper.VerifySession, error) {
	claimed, err := s.chain.ParseAddress(claimedAddress)
	if err != nil {
		return nil, err
	}
	group, err := s.store.Group(ctx, groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load group %d", groupID)
	}
	rule := group.Rule
	if rule == nil || rule.VerificationAddress == "" || rule.VerifyMaxSat < rule.VerifyMinSat || rule.VerifyMinSat <= 0 {
		return nil, gatekeeper.ErrGateNotConfigured
	}
	startHeight, err := s.chain.TipHeight(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to get chain tip, session accepts payments of any height")
		startHeight = 0
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		taken, err := s.store.PendingAmounts(ctx, rule.VerificationAddress, groupID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load pending amounts")
		}
		amount, ok := s.pickAmount(rule.VerifyMinSat, rule.VerifyMaxSat, taken)
		if !ok {
			s.exhausts.Inc()
			return nil, ErrTooManySessions
		}
		id, err := idgen.Generate(idgen.SessionPrefix)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		session := &gatekeeper.VerifySession{
			ID:                  id,
			UserID:              userID,
			GroupID:             groupID,
			ClaimedAddress:      claimed.String(),
			VerificationAddress: rule.VerificationAddress,
			AmountSat:           amount,
			Status:              gatekeeper.SessionPending,
			StartHeight:         startHeight,
			CreatedAt:           now,
			ExpiresAt:           now.Add(s.cfg.SessionTTL),
		}
		expired, err := s.store.CreateSession(ctx, session)
		if err == gatekeeper.ErrAmountTaken {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to create session")
		}
		s.created.Inc()

		if expired != nil {
			s.audit.Record(ctx, gatekeeper.AuditVerifyExpired, groupID, userID, gatekeeper.Payload{
				"session_id": expired.ID,
				"reason":     "superseded",
			})
		}
		s.audit.Record(ctx, gatekeeper.AuditVerifyCreated, groupID, userID, gatekeeper.Payload{
			"session_id": session.ID,
			"claimed":    session.ClaimedAddress,
			"amount_sat": session.AmountSat,
			"expires_at": session.ExpiresAt,
		})
		s.markPending(ctx, userID, groupID)

		s.log.WithFields(logrus.Fields{
			"session_id": session.ID,
			"user_id":    userID,
			"group_id":   groupID,
			"amount_sat": amount,
		}).Info("verification session created")
		return session, nil
	}
	return nil, ErrTooManySessions
}

// ExpireStale terminates PENDING sessions whose deadline passed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireSessions(ctx, s.now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire sessions")
	}
	for _, vs := range expired {
		s.audit.Record(ctx, gatekeeper.AuditVerifyExpired, vs.GroupID, vs.UserID, gatekeeper.Payload{
			"session_id": vs.ID,
			"reason":     "timeout",
		})
	}
	return len(expired), nil
}

func (s *Service) markPending(ctx context.Context, userID, groupID int64) {
	m, err := s.store.Membership(ctx, userID, groupID)
	if err == gatekeeper.ErrNotFound {
		m = gatekeeper.NewMembership(userID, groupID)
	} else if err != nil {
		s.log.WithError(err).Warn("failed to load membership")
		return
	}
	if m.State != gatekeeper.StateUnknown {
		return
	}
	m.State = gatekeeper.StatePendingVerify
	if err := s.store.SaveMembership(ctx, m); err != nil {
		s.log.WithError(err).Warn("failed to mark membership pending")
	}
}

// pickAmount draws random amounts first and falls back to scanning the
// range from a random offset, so a nearly full range is still served.
func (s *Service) pickAmount(min, max int64, taken []int64) (int64, bool) {
	used := make(map[int64]struct{}, len(taken))
	for _, a := range taken {
		if a >= min && a <= max {
			used[a] = struct{}{}
		}
	}
	size := max - min + 1
	if int64(len(used)) >= size {
		return 0, false
	}

	s.randMu.Lock()
	defer s.randMu.Unlock()
	for i := 0; i < s.cfg.MaxAmountAttempts; i++ {
		a := min + s.rand.Int63n(size)
		if _, ok := used[a]; !ok {
			return a, true
		}
	}
	start := s.rand.Int63n(size)
	for i := int64(0); i < size; i++ {
		a := min + (start+i)%size
		if _, ok := used[a]; !ok {
			return a, true
		}
	}
	return 0, false
}
