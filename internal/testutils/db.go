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
	"fmt"
	"log"
	"testing"

	"github.com/go-pg/migrations"
	"github.com/go-pg/pg"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
)

var pgOptions = &pg.Options{
	Addr:            "localhost",
	Database:        "gatekeeper_test_db",
	User:            "postgres",
	Password:        "secret",
	ApplicationName: "gatekeeper",
}

// SetupDB starts a disposable postgres container and applies the migrations
// found in migrationsDir. The returned func removes the container.
func SetupDB(migrationsDir string) (*pg.DB, pg.Options, func()) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not connect to docker: %s", err)
	}

	resource, err := pool.Run(
		"postgres", "12",
		[]string{
			"POSTGRES_DB=" + pgOptions.Database,
			"POSTGRES_PASSWORD=" + pgOptions.Password,
		},
	)
	if err != nil {
		log.Panicf("Could not start resource: %s", err)
	}

	poolCleaner := func() {
		log.Printf("removing container")
		if err := pool.Purge(resource); err != nil {
			log.Printf("failed to purge docker pool: %s", err)
		}
	}

	options := *pgOptions
	options.Addr = fmt.Sprintf("%s:%s", options.Addr, resource.GetPort("5432/tcp"))

	var db *pg.DB
	err = pool.Retry(func() error {
		db = pg.Connect(&options)
		_, err := db.Exec("select 1")
		return err
	})
	if err != nil {
		poolCleaner()
		log.Panicf("Could not start postgres: %s", err)
	}

	cleaner := func() {
		log.Printf("shutting down db")
		if err := db.Close(); err != nil {
			log.Printf("failed to close db: %s", err)
		}
		poolCleaner()
	}

	collection := migrations.NewCollection()
	if _, _, err = collection.Run(db, "init"); err != nil {
		cleaner()
		log.Panicf("Could not init migrations: %s", err)
	}
	if err = collection.DiscoverSQLMigrations(migrationsDir); err != nil {
		cleaner()
		log.Panicf("Failed to read migrations: %s", err)
	}
	if _, _, err = collection.Run(db, "up"); err != nil {
		cleaner()
		log.Panicf("Could not migrate: %s", err)
	}
	return db, options, cleaner
}

func TruncateTables(t *testing.T, db *pg.DB, tables ...string) {
	for _, table := range tables {
		_, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}
