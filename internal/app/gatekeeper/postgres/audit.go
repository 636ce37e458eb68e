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
	"encoding/json"

	"github.com/go-pg/pg/orm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/observability"
)

type AuditStorage struct {
	log          *logrus.Logger
	errorCounter prometheus.Counter
	db           orm.DB
}

func NewAuditStorage(obs *observability.Observability, db orm.DB) *AuditStorage {
	errorCounter := obs.Counter(prometheus.CounterOpts{
		Name: "gatekeeper_audit_storage_error_counter",
		Help: "",
	})
	return &AuditStorage{
		log:          obs.Log(),
		errorCounter: errorCounter,
		db:           db,
	}
}

func (s *AuditStorage) AppendAudit(ctx context.Context, entry *gatekeeper.AuditEntry) error {
	if entry == nil {
		s.log.Warnf("trying to insert nil audit entry")
		return nil
	}
	payload := entry.Payload
	if payload == nil {
		payload = gatekeeper.Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s audit payload", entry.Type)
	}
	var userID *int64
	if entry.UserID != 0 {
		id := entry.UserID
		userID = &id
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (group_id, user_id, type, payload, created_at)
		values (?, ?, ?, ?::jsonb, ?)`,
		entry.GroupID, userID, entry.Type, string(data), entry.CreatedAt)
	if err != nil {
		s.errorCounter.Inc()
		return errors.Wrapf(err, "failed to insert %s audit entry", entry.Type)
	}
	return nil
}
