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
	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/observability"
)

// Store is the postgres implementation of gatekeeper.Store.
type Store struct {
	*GroupStorage
	*MembershipStorage
	*SessionStorage
	*AddressStorage
	*AuditStorage
}

var _ gatekeeper.Store = (*Store)(nil)

func NewStore(obs *observability.Observability, db orm.DB) *Store {
	return &Store{
		GroupStorage:      NewGroupStorage(obs, db),
		MembershipStorage: NewMembershipStorage(obs, db),
		SessionStorage:    NewSessionStorage(obs, db),
		AddressStorage:    NewAddressStorage(obs, db),
		AuditStorage:      NewAuditStorage(obs, db),
	}
}

// inTransaction runs f in a transaction when db is a connection pool and
// directly when db already is a transaction.
func inTransaction(db orm.DB, f func(tx orm.DB) error) error {
	pool, ok := db.(*pg.DB)
	if !ok {
		return f(db)
	}
	return pool.RunInTransaction(func(tx *pg.Tx) error {
		return f(tx)
	})
}

func isUniqueViolation(err error, index string) bool {
	pgErr, ok := err.(pg.Error)
	if !ok {
		return false
	}
	return pgErr.Field('C') == "23505" && pgErr.Field('n') == index
}
