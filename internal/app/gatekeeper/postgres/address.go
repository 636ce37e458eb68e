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

type UserAddressSchema struct {
	tableName struct{} `sql:"user_addresses"` //nolint: unused,structcheck

	ID         int64 `sql:",pk"`
	UserID     int64
	Address    string
	VerifiedAt time.Time
}

type AddressStorage struct {
	log          *logrus.Logger
	errorCounter prometheus.Counter
	db           orm.DB
}

func NewAddressStorage(obs *observability.Observability, db orm.DB) *AddressStorage {
	errorCounter := obs.Counter(prometheus.CounterOpts{
		Name: "gatekeeper_address_storage_error_counter",
		Help: "",
	})
	return &AddressStorage{
		log:          obs.Log(),
		errorCounter: errorCounter,
		db:           db,
	}
}

func (s *AddressStorage) SaveVerifiedAddress(ctx context.Context, a *gatekeeper.UserAddress) error {
	if a == nil {
		s.log.Warnf("trying to insert nil address model")
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`insert into user_addresses (user_id, address, verified_at) values (?, ?, ?)`,
		a.UserID, a.Address, a.VerifiedAt)
	if err != nil {
		s.errorCounter.Inc()
		return errors.Wrapf(err, "failed to insert address of user %d", a.UserID)
	}
	if res.RowsAffected() == 0 {
		s.errorCounter.Inc()
		return errors.New("failed to insert, affected is 0")
	}
	return nil
}

func (s *AddressStorage) LatestAddress(ctx context.Context, userID int64) (*gatekeeper.UserAddress, error) {
	row := &UserAddressSchema{}
	_, err := s.db.QueryOneContext(ctx, row, `
		select id, user_id, address, verified_at from user_addresses
		where user_id = ?
		order by verified_at desc, id desc
		limit 1`, userID)
	if err == pg.ErrNoRows {
		return nil, gatekeeper.ErrNotFound
	}
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrapf(err, "failed to select address of user %d", userID)
	}
	return &gatekeeper.UserAddress{UserID: row.UserID, Address: row.Address, VerifiedAt: row.VerifiedAt}, nil
}
