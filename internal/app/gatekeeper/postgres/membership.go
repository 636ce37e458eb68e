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

package postgres

import (
	"context"
	"time"

	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/observability"
)

type MembershipSchema struct {
	tableName struct{} `sql:"memberships"` //nolint: unused,structcheck

	UserID          int64 `sql:",pk"`
	GroupID         int64 `sql:",pk"`
	State           string
	LastBalanceBase string
	LastCheckedAt   *time.Time
	FailDetectedAt  *time.Time
	Enforced        string
}

type MembershipStorage struct {
	log          *logrus.Logger
	errorCounter prometheus.Counter
	db           orm.DB
}

func NewMembershipStorage(obs *observability.Observability, db orm.DB) *MembershipStorage {
	errorCounter := obs.Counter(prometheus.CounterOpts{
		Name: "gatekeeper_membership_storage_error_counter",
		Help: "",
	})
	return &MembershipStorage{
		log:          obs.Log(),
		errorCounter: errorCounter,
		db:           db,
	}
}

const membershipColumns = `user_id, group_id, state, last_balance_base::text as last_balance_base,
	last_checked_at, fail_detected_at, enforced`

func (s *MembershipStorage) Membership(ctx context.Context, userID, groupID int64) (*gatekeeper.Membership, error) {
	row := &MembershipSchema{}
	_, err := s.db.QueryOneContext(ctx, row,
		`select `+membershipColumns+` from memberships where user_id = ? and group_id = ?`, userID, groupID)
	if err == pg.ErrNoRows {
		return nil, gatekeeper.ErrNotFound
	}
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrapf(err, "failed to select membership user=%d group=%d", userID, groupID)
	}
	return membershipModel(row), nil
}

func (s *MembershipStorage) UserMemberships(ctx context.Context, userID int64) ([]*gatekeeper.Membership, error) {
	return s.list(ctx, `select `+membershipColumns+` from memberships where user_id = ? order by group_id`, userID)
}

func (s *MembershipStorage) DueForRecheck(ctx context.Context, groupID int64, checkedBefore time.Time) ([]*gatekeeper.Membership, error) {
	return s.list(ctx, `
		select `+membershipColumns+` from memberships
		where group_id = ?
			and state in (?, ?)
			and (last_checked_at is null or last_checked_at < ?)
		order by user_id`,
		groupID, gatekeeper.StatePass, gatekeeper.StateFail, checkedBefore)
}

func (s *MembershipStorage) GraceExpired(ctx context.Context, groupID int64, failedBefore time.Time) ([]*gatekeeper.Membership, error) {
	return s.list(ctx, `
		select `+membershipColumns+` from memberships
		where group_id = ?
			and state = ?
			and enforced = ?
			and fail_detected_at <= ?
		order by user_id`,
		groupID, gatekeeper.StateFail, gatekeeper.EnforcedNone, failedBefore)
}

func (s *MembershipStorage) list(ctx context.Context, query string, params ...interface{}) ([]*gatekeeper.Membership, error) {
	var rows []*MembershipSchema
	_, err := s.db.QueryContext(ctx, &rows, query, params...)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select memberships")
	}
	res := make([]*gatekeeper.Membership, 0, len(rows))
	for _, row := range rows {
		res = append(res, membershipModel(row))
	}
	return res, nil
}

func (s *MembershipStorage) SaveMembership(ctx context.Context, m *gatekeeper.Membership) error {
	if m == nil {
		s.log.Warnf("trying to save nil membership model")
		return nil
	}
	row := membershipSchema(m)
	res, err := s.db.ExecContext(ctx, `
		insert into memberships (user_id, group_id, state, last_balance_base, last_checked_at, fail_detected_at, enforced)
		values (?, ?, ?, ?::numeric, ?, ?, ?)
		on conflict (user_id, group_id) do update set
			state = excluded.state,
			last_balance_base = excluded.last_balance_base,
			last_checked_at = excluded.last_checked_at,
			fail_detected_at = excluded.fail_detected_at`,
		row.UserID, row.GroupID, row.State, row.LastBalanceBase, row.LastCheckedAt, row.FailDetectedAt, row.Enforced,
	)
	if err != nil {
		s.errorCounter.Inc()
		return errors.Wrapf(err, "failed to save membership user=%d group=%d", m.UserID, m.GroupID)
	}
	if res.RowsAffected() == 0 {
		s.errorCounter.Inc()
		s.log.WithField("membership_row", row).Errorf("failed to save membership")
		return errors.New("failed to save membership, affected is 0")
	}
	return nil
}

func (s *MembershipStorage) SetEnforced(ctx context.Context, userID, groupID int64, enforced gatekeeper.EnforcedState) error {
	_, err := s.db.ExecContext(ctx, `
		insert into memberships (user_id, group_id, state, enforced)
		values (?, ?, ?, ?)
		on conflict (user_id, group_id) do update set enforced = excluded.enforced`,
		userID, groupID, gatekeeper.StateUnknown, enforced,
	)
	if err != nil {
		s.errorCounter.Inc()
		return errors.Wrapf(err, "failed to set enforced=%s user=%d group=%d", enforced, userID, groupID)
	}
	return nil
}

func membershipSchema(m *gatekeeper.Membership) *MembershipSchema {
	balance := m.LastBalanceBase
	if balance == "" {
		balance = "0"
	}
	enforced := m.Enforced
	if enforced == "" {
		enforced = gatekeeper.EnforcedNone
	}
	return &MembershipSchema{
		UserID:          m.UserID,
		GroupID:         m.GroupID,
		State:           string(m.State),
		LastBalanceBase: balance,
		LastCheckedAt:   m.LastCheckedAt,
		FailDetectedAt:  m.FailDetectedAt,
		Enforced:        string(enforced),
	}
}

func membershipModel(row *MembershipSchema) *gatekeeper.Membership {
	return &gatekeeper.Membership{
		UserID:          row.UserID,
		GroupID:         row.GroupID,
		State:           gatekeeper.MembershipState(row.State),
		LastBalanceBase: row.LastBalanceBase,
		LastCheckedAt:   row.LastCheckedAt,
		FailDetectedAt:  row.FailDetectedAt,
		Enforced:        gatekeeper.EnforcedState(row.Enforced),
	}
}
