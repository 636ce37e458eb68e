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
	"math/big"

	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/observability"
)

type GroupSchema struct {
	tableName struct{} `sql:"groups"` //nolint: unused,structcheck

	ID                  int64 `sql:",pk"`
	Title               string
	Mode                string
	Active              bool
	GateType            *string
	TokenCategory       *string
	MinAmountBase       *string
	MinCount            *int
	RecheckIntervalSec  int64
	GracePeriodSec      int64
	ActionOnFail        string
	VerificationAddress *string
	VerifyMinSat        int64
	VerifyMaxSat        int64
}

type GroupStorage struct {
	log          *logrus.Logger
	errorCounter prometheus.Counter
	db           orm.DB
}

func NewGroupStorage(obs *observability.Observability, db orm.DB) *GroupStorage {
	errorCounter := obs.Counter(prometheus.CounterOpts{
		Name: "gatekeeper_group_storage_error_counter",
		Help: "",
	})
	return &GroupStorage{
		log:          obs.Log(),
		errorCounter: errorCounter,
		db:           db,
	}
}

const (
	groupColumns = `id, title, mode, active, gate_type, token_category, min_amount_base, min_count,
	recheck_interval_sec, grace_period_sec, action_on_fail, verification_address, verify_min_sat, verify_max_sat`
	groupSelect = `select id, title, mode, active, gate_type, token_category, min_amount_base::text as min_amount_base,
	min_count, recheck_interval_sec, grace_period_sec, action_on_fail, verification_address, verify_min_sat, verify_max_sat
	from groups`
)

func (s *GroupStorage) Group(ctx context.Context, groupID int64) (*gatekeeper.Group, error) {
	row := &GroupSchema{}
	_, err := s.db.QueryOneContext(ctx, row, groupSelect+` where id = ?`, groupID)
	if err == pg.ErrNoRows {
		return nil, gatekeeper.ErrNotFound
	}
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrapf(err, "failed to select group %d", groupID)
	}
	return groupModel(row)
}

func (s *GroupStorage) ActiveGroups(ctx context.Context) ([]*gatekeeper.Group, error) {
	var rows []*GroupSchema
	_, err := s.db.QueryContext(ctx, &rows, groupSelect+` where active order by id`)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select active groups")
	}
	groups := make([]*gatekeeper.Group, 0, len(rows))
	for _, row := range rows {
		g, err := groupModel(row)
		if err != nil {
			s.log.WithField("group_id", row.ID).Error(err)
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *GroupStorage) SaveGroup(ctx context.Context, group *gatekeeper.Group) error {
	if group == nil {
		s.log.Warnf("trying to save nil group model")
		return nil
	}
	row := groupSchema(group)
	_, err := s.db.ExecContext(ctx, `
		insert into groups (`+groupColumns+`)
		values (?, ?, ?, ?, ?, ?, ?::numeric, ?, ?, ?, ?, ?, ?, ?)
		on conflict (id) do update set
			title = excluded.title,
			mode = excluded.mode,
			active = excluded.active,
			gate_type = excluded.gate_type,
			token_category = excluded.token_category,
			min_amount_base = excluded.min_amount_base,
			min_count = excluded.min_count,
			recheck_interval_sec = excluded.recheck_interval_sec,
			grace_period_sec = excluded.grace_period_sec,
			action_on_fail = excluded.action_on_fail,
			verification_address = excluded.verification_address,
			verify_min_sat = excluded.verify_min_sat,
			verify_max_sat = excluded.verify_max_sat`,
		row.ID, row.Title, row.Mode, row.Active, row.GateType, row.TokenCategory, row.MinAmountBase,
		row.MinCount, row.RecheckIntervalSec, row.GracePeriodSec, row.ActionOnFail,
		row.VerificationAddress, row.VerifyMinSat, row.VerifyMaxSat,
	)
	if err != nil {
		s.errorCounter.Inc()
		return errors.Wrapf(err, "failed to save group %d", group.ID)
	}
	return nil
}

func groupSchema(g *gatekeeper.Group) *GroupSchema {
	row := &GroupSchema{
		ID:           g.ID,
		Title:        g.Title,
		Mode:         string(g.Mode),
		Active:       g.Active,
		ActionOnFail: string(gatekeeper.FailRestrict),
	}
	r := g.Rule
	if r == nil {
		return row
	}
	gateType := string(r.GateType)
	category := r.TokenCategory
	address := r.VerificationAddress
	row.GateType = &gateType
	row.TokenCategory = &category
	row.VerificationAddress = &address
	row.RecheckIntervalSec = r.RecheckIntervalSec
	row.GracePeriodSec = r.GracePeriodSec
	row.ActionOnFail = string(r.ActionOnFail)
	row.VerifyMinSat = r.VerifyMinSat
	row.VerifyMaxSat = r.VerifyMaxSat
	switch r.GateType {
	case gatekeeper.GateNFT:
		count := r.MinCount
		row.MinCount = &count
	default:
		amount := "0"
		if r.MinAmountBase != nil {
			amount = r.MinAmountBase.String()
		}
		row.MinAmountBase = &amount
	}
	return row
}

func groupModel(row *GroupSchema) (*gatekeeper.Group, error) {
	g := &gatekeeper.Group{
		ID:     row.ID,
		Title:  row.Title,
		Mode:   gatekeeper.GroupMode(row.Mode),
		Active: row.Active,
	}
	if row.GateType == nil || *row.GateType == "" {
		return g, nil
	}
	rule := &gatekeeper.GateRule{
		GateType:           gatekeeper.GateType(*row.GateType),
		RecheckIntervalSec: row.RecheckIntervalSec,
		GracePeriodSec:     row.GracePeriodSec,
		ActionOnFail:       gatekeeper.FailAction(row.ActionOnFail),
		VerifyMinSat:       row.VerifyMinSat,
		VerifyMaxSat:       row.VerifyMaxSat,
	}
	if row.TokenCategory != nil {
		rule.TokenCategory = *row.TokenCategory
	}
	if row.VerificationAddress != nil {
		rule.VerificationAddress = *row.VerificationAddress
	}
	if row.MinCount != nil {
		rule.MinCount = *row.MinCount
	}
	if row.MinAmountBase != nil {
		amount, ok := new(big.Int).SetString(*row.MinAmountBase, 10)
		if !ok {
			return nil, errors.Errorf("group %d has malformed min_amount_base %q", row.ID, *row.MinAmountBase)
		}
		rule.MinAmountBase = amount
	}
	g.Rule = rule
	return g, nil
}
