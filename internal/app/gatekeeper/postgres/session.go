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

const (
	pendingAmountIndex      = "verify_sessions_pending_amount_idx"
	pendingGroupAmountIndex = "verify_sessions_pending_group_amount_idx"
)

type SessionSchema struct {
	tableName struct{} `sql:"verify_sessions"` //nolint: unused,structcheck

	ID                  string `sql:",pk"`
	UserID              int64
	GroupID             int64
	ClaimedAddress      string
	VerificationAddress string
	AmountSat           int64
	Status              string
	TxID                *string `sql:"txid"`
	StartHeight         int64
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

type SessionStorage struct {
	log          *logrus.Logger
	errorCounter prometheus.Counter
	db           orm.DB
}

func NewSessionStorage(obs *observability.Observability, db orm.DB) *SessionStorage {
	errorCounter := obs.Counter(prometheus.CounterOpts{
		Name: "gatekeeper_session_storage_error_counter",
		Help: "",
	})
	return &SessionStorage{
		log:          obs.Log(),
		errorCounter: errorCounter,
		db:           db,
	}
}

const sessionColumns = `id, user_id, group_id, claimed_address, verification_address, amount_sat, status, txid, start_height, created_at, expires_at`

func (s *SessionStorage) CreateSession(ctx context.Context, vs *gatekeeper.VerifySession) (*gatekeeper.VerifySession, error) {
	if vs == nil {
		return nil, errors.New("trying to insert nil session model")
	}
	row := sessionSchema(vs)
	var expired *gatekeeper.VerifySession
	err := inTransaction(s.db, func(tx orm.DB) error {
		var prior []*SessionSchema
		_, err := tx.QueryContext(ctx, &prior, `
			update verify_sessions set status = ?
			where user_id = ? and group_id = ? and status = ?
			returning `+sessionColumns,
			gatekeeper.SessionExpired, vs.UserID, vs.GroupID, gatekeeper.SessionPending)
		if err != nil {
			return errors.Wrap(err, "failed to expire prior session")
		}
		if len(prior) > 0 {
			expired = sessionModel(prior[0])
		}

		_, err = tx.ExecContext(ctx, `
			insert into verify_sessions (`+sessionColumns+`)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.UserID, row.GroupID, row.ClaimedAddress, row.VerificationAddress,
			row.AmountSat, row.Status, row.TxID, row.StartHeight, row.CreatedAt, row.ExpiresAt,
		)
		if isUniqueViolation(err, pendingAmountIndex) || isUniqueViolation(err, pendingGroupAmountIndex) {
			return gatekeeper.ErrAmountTaken
		}
		return errors.Wrapf(err, "failed to insert session %s", vs.ID)
	})
	if err != nil {
		if err != gatekeeper.ErrAmountTaken {
			s.errorCounter.Inc()
		}
		return nil, err
	}
	return expired, nil
}

func (s *SessionStorage) Session(ctx context.Context, id string) (*gatekeeper.VerifySession, error) {
	return s.one(ctx, `select `+sessionColumns+` from verify_sessions where id = ?`, id)
}

func (s *SessionStorage) PendingSession(ctx context.Context, userID, groupID int64) (*gatekeeper.VerifySession, error) {
	return s.one(ctx, `select `+sessionColumns+` from verify_sessions where user_id = ? and group_id = ? and status = ?`,
		userID, groupID, gatekeeper.SessionPending)
}

func (s *SessionStorage) one(ctx context.Context, query string, params ...interface{}) (*gatekeeper.VerifySession, error) {
	row := &SessionSchema{}
	_, err := s.db.QueryOneContext(ctx, row, query, params...)
	if err == pg.ErrNoRows {
		return nil, gatekeeper.ErrNotFound
	}
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select session")
	}
	return sessionModel(row), nil
}

func (s *SessionStorage) PendingSessions(ctx context.Context, now time.Time) ([]*gatekeeper.VerifySession, error) {
	var rows []*SessionSchema
	_, err := s.db.QueryContext(ctx, &rows, `
		select `+sessionColumns+` from verify_sessions
		where status = ? and expires_at > ?
		order by created_at`,
		gatekeeper.SessionPending, now)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select pending sessions")
	}
	return sessionModels(rows), nil
}

func (s *SessionStorage) PendingAmounts(ctx context.Context, verificationAddress string, groupID int64) ([]int64, error) {
	var amounts []int64
	_, err := s.db.QueryContext(ctx, &amounts, `
		select distinct amount_sat from verify_sessions
		where (verification_address = ? or group_id = ?) and status = ?
		order by amount_sat`,
		verificationAddress, groupID, gatekeeper.SessionPending)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select pending amounts")
	}
	return amounts, nil
}

func (s *SessionStorage) FinishSession(ctx context.Context, id string, status gatekeeper.SessionStatus, txid string) (bool, error) {
	var txidParam *string
	if txid != "" {
		txidParam = &txid
	}
	res, err := s.db.ExecContext(ctx, `
		update verify_sessions set status = ?, txid = ?
		where id = ? and status = ?`,
		status, txidParam, id, gatekeeper.SessionPending)
	if err != nil {
		s.errorCounter.Inc()
		return false, errors.Wrapf(err, "failed to finish session %s", id)
	}
	return res.RowsAffected() > 0, nil
}

func (s *SessionStorage) ExpireSessions(ctx context.Context, now time.Time) ([]*gatekeeper.VerifySession, error) {
	var rows []*SessionSchema
	_, err := s.db.QueryContext(ctx, &rows, `
		update verify_sessions set status = ?
		where status = ? and expires_at <= ?
		returning `+sessionColumns,
		gatekeeper.SessionExpired, gatekeeper.SessionPending, now)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to expire sessions")
	}
	return sessionModels(rows), nil
}

func (s *SessionStorage) ConsumedTxids(ctx context.Context, verificationAddress string) ([]string, error) {
	var txids []string
	_, err := s.db.QueryContext(ctx, &txids, `
		select distinct txid from verify_sessions where verification_address = ? and txid is not null`,
		verificationAddress)
	if err != nil {
		s.errorCounter.Inc()
		return nil, errors.Wrap(err, "failed to select consumed txids")
	}
	return txids, nil
}

func sessionSchema(vs *gatekeeper.VerifySession) *SessionSchema {
	row := &SessionSchema{
		ID:                  vs.ID,
		UserID:              vs.UserID,
		GroupID:             vs.GroupID,
		ClaimedAddress:      vs.ClaimedAddress,
		VerificationAddress: vs.VerificationAddress,
		AmountSat:           vs.AmountSat,
		Status:              string(vs.Status),
		StartHeight:         vs.StartHeight,
		CreatedAt:           vs.CreatedAt,
		ExpiresAt:           vs.ExpiresAt,
	}
	if vs.TxID != "" {
		txid := vs.TxID
		row.TxID = &txid
	}
	return row
}

func sessionModel(row *SessionSchema) *gatekeeper.VerifySession {
	vs := &gatekeeper.VerifySession{
		ID:                  row.ID,
		UserID:              row.UserID,
		GroupID:             row.GroupID,
		ClaimedAddress:      row.ClaimedAddress,
		VerificationAddress: row.VerificationAddress,
		AmountSat:           row.AmountSat,
		Status:              gatekeeper.SessionStatus(row.Status),
		StartHeight:         row.StartHeight,
		CreatedAt:           row.CreatedAt,
		ExpiresAt:           row.ExpiresAt,
	}
	if row.TxID != nil {
		vs.TxID = *row.TxID
	}
	return vs
}

func sessionModels(rows []*SessionSchema) []*gatekeeper.VerifySession {
	res := make([]*gatekeeper.VerifySession, 0, len(rows))
	for _, row := range rows {
		res = append(res, sessionModel(row))
	}
	return res
}
