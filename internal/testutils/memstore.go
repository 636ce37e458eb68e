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

package testutils

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
)

type membershipKey struct {
	userID  int64
	groupID int64
}

// MemoryStore is an in-process gatekeeper.Store for unit tests. Returned
// models are copies, as they would be when read from a database.
type MemoryStore struct {
	mu          sync.Mutex
	groups      map[int64]*gatekeeper.Group
	memberships map[membershipKey]*gatekeeper.Membership
	sessions    map[string]*gatekeeper.VerifySession
	order       []string
	addresses   []*gatekeeper.UserAddress
	audit       []*gatekeeper.AuditEntry

	// AuditErr, when set, is returned by AppendAudit.
	AuditErr error
	// MembershipErr, when set, is returned by SaveMembership.
	MembershipErr error
}

var _ gatekeeper.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:      make(map[int64]*gatekeeper.Group),
		memberships: make(map[membershipKey]*gatekeeper.Membership),
		sessions:    make(map[string]*gatekeeper.VerifySession),
	}
}

func copyGroup(g *gatekeeper.Group) *gatekeeper.Group {
	c := *g
	if g.Rule != nil {
		rule := *g.Rule
		c.Rule = &rule
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyMembership(m *gatekeeper.Membership) *gatekeeper.Membership {
	c := *m
	c.LastCheckedAt = copyTime(m.LastCheckedAt)
	c.FailDetectedAt = copyTime(m.FailDetectedAt)
	return &c
}

func copySession(s *gatekeeper.VerifySession) *gatekeeper.VerifySession {
	c := *s
	return &c
}

func (s *MemoryStore) Group(_ context.Context, groupID int64) (*gatekeeper.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, gatekeeper.ErrNotFound
	}
	return copyGroup(g), nil
}

func (s *MemoryStore) ActiveGroups(context.Context) ([]*gatekeeper.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.Group
	for _, g := range s.groups {
		if g.Active {
			res = append(res, copyGroup(g))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) SaveGroup(_ context.Context, group *gatekeeper.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.ID] = copyGroup(group)
	return nil
}

func (s *MemoryStore) Membership(_ context.Context, userID, groupID int64) (*gatekeeper.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey{userID, groupID}]
	if !ok {
		return nil, gatekeeper.ErrNotFound
	}
	return copyMembership(m), nil
}

func (s *MemoryStore) UserMemberships(_ context.Context, userID int64) ([]*gatekeeper.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.Membership
	for k, m := range s.memberships {
		if k.userID == userID {
			res = append(res, copyMembership(m))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].GroupID < res[j].GroupID })
	return res, nil
}

func (s *MemoryStore) DueForRecheck(_ context.Context, groupID int64, checkedBefore time.Time) ([]*gatekeeper.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.Membership
	for k, m := range s.memberships {
		if k.groupID != groupID {
			continue
		}
		if m.State != gatekeeper.StatePass && m.State != gatekeeper.StateFail {
			continue
		}
		if m.LastCheckedAt == nil || m.LastCheckedAt.Before(checkedBefore) {
			res = append(res, copyMembership(m))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

func (s *MemoryStore) GraceExpired(_ context.Context, groupID int64, failedBefore time.Time) ([]*gatekeeper.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.Membership
	for k, m := range s.memberships {
		if k.groupID != groupID || m.State != gatekeeper.StateFail || m.Enforced != gatekeeper.EnforcedNone {
			continue
		}
		if m.FailDetectedAt != nil && !m.FailDetectedAt.After(failedBefore) {
			res = append(res, copyMembership(m))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

func (s *MemoryStore) SaveMembership(_ context.Context, m *gatekeeper.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MembershipErr != nil {
		return s.MembershipErr
	}
	key := membershipKey{m.UserID, m.GroupID}
	saved := copyMembership(m)
	if prev, ok := s.memberships[key]; ok {
		saved.Enforced = prev.Enforced
	}
	s.memberships[key] = saved
	return nil
}

func (s *MemoryStore) SetEnforced(_ context.Context, userID, groupID int64, enforced gatekeeper.EnforcedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{userID, groupID}
	m, ok := s.memberships[key]
	if !ok {
		m = gatekeeper.NewMembership(userID, groupID)
		s.memberships[key] = m
	}
	m.Enforced = enforced
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, vs *gatekeeper.VerifySession) (*gatekeeper.VerifySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prior *gatekeeper.VerifySession
	for _, other := range s.sessions {
		if other.Status != gatekeeper.SessionPending {
			continue
		}
		if other.UserID == vs.UserID && other.GroupID == vs.GroupID {
			prior = other
			continue
		}
		if other.AmountSat == vs.AmountSat &&
			(other.VerificationAddress == vs.VerificationAddress || other.GroupID == vs.GroupID) {
			return nil, gatekeeper.ErrAmountTaken
		}
	}
	var expired *gatekeeper.VerifySession
	if prior != nil {
		prior.Status = gatekeeper.SessionExpired
		expired = copySession(prior)
	}
	s.sessions[vs.ID] = copySession(vs)
	s.order = append(s.order, vs.ID)
	return expired, nil
}

func (s *MemoryStore) Session(_ context.Context, id string) (*gatekeeper.VerifySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.sessions[id]
	if !ok {
		return nil, gatekeeper.ErrNotFound
	}
	return copySession(vs), nil
}

func (s *MemoryStore) PendingSession(_ context.Context, userID, groupID int64) (*gatekeeper.VerifySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vs := range s.sessions {
		if vs.Status == gatekeeper.SessionPending && vs.UserID == userID && vs.GroupID == groupID {
			return copySession(vs), nil
		}
	}
	return nil, gatekeeper.ErrNotFound
}

func (s *MemoryStore) PendingSessions(_ context.Context, now time.Time) ([]*gatekeeper.VerifySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.VerifySession
	for _, id := range s.order {
		vs := s.sessions[id]
		if vs.Status == gatekeeper.SessionPending && !vs.Expired(now) {
			res = append(res, copySession(vs))
		}
	}
	return res, nil
}

func (s *MemoryStore) PendingAmounts(_ context.Context, verificationAddress string, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []int64
	for _, vs := range s.sessions {
		if vs.Status != gatekeeper.SessionPending {
			continue
		}
		if vs.VerificationAddress == verificationAddress || vs.GroupID == groupID {
			res = append(res, vs.AmountSat)
		}
	}
	return res, nil
}

func (s *MemoryStore) FinishSession(_ context.Context, id string, status gatekeeper.SessionStatus, txid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.sessions[id]
	if !ok {
		return false, gatekeeper.ErrNotFound
	}
	if vs.Status != gatekeeper.SessionPending {
		return false, nil
	}
	vs.Status = status
	vs.TxID = txid
	return true, nil
}

func (s *MemoryStore) ExpireSessions(_ context.Context, now time.Time) ([]*gatekeeper.VerifySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*gatekeeper.VerifySession
	for _, id := range s.order {
		vs := s.sessions[id]
		if vs.Status == gatekeeper.SessionPending && vs.Expired(now) {
			vs.Status = gatekeeper.SessionExpired
			res = append(res, copySession(vs))
		}
	}
	return res, nil
}

func (s *MemoryStore) ConsumedTxids(_ context.Context, verificationAddress string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []string
	for _, id := range s.order {
		vs := s.sessions[id]
		if vs.VerificationAddress == verificationAddress && vs.TxID != "" {
			res = append(res, vs.TxID)
		}
	}
	return res, nil
}

func (s *MemoryStore) SaveVerifiedAddress(_ context.Context, a *gatekeeper.UserAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.addresses = append(s.addresses, &c)
	return nil
}

func (s *MemoryStore) LatestAddress(_ context.Context, userID int64) (*gatekeeper.UserAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.addresses) - 1; i >= 0; i-- {
		if s.addresses[i].UserID == userID {
			c := *s.addresses[i]
			return &c, nil
		}
	}
	return nil, gatekeeper.ErrNotFound
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *gatekeeper.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuditErr != nil {
		return s.AuditErr
	}
	c := *entry
	s.audit = append(s.audit, &c)
	return nil
}

// AuditTypes lists the types of written audit entries in order.
func (s *MemoryStore) AuditTypes() []gatekeeper.AuditType {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]gatekeeper.AuditType, 0, len(s.audit))
	for _, e := range s.audit {
		res = append(res, e.Type)
	}
	return res
}

func (s *MemoryStore) AuditEntries() []gatekeeper.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]gatekeeper.AuditEntry, 0, len(s.audit))
	for _, e := range s.audit {
		res = append(res, *e)
	}
	return res
}
