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

package main

import (
	"flag"

	"github.com/go-pg/migrations"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/dbconn"
)

var migrationDir = flag.String("dir", "scripts/migrations", "directory with migrations")
var doInit = flag.Bool("init", false, "perform db init (for empty db)")
var direction = flag.String("do", "up", "migration command: up, down, version")

func main() {
	flag.Parse()
	log := logrus.New()
	cfg := configuration.Load(log)

	db, err := dbconn.Connect(cfg.DB)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer db.Close()

	migrationCollection := migrations.NewCollection()
	if *doInit {
		_, _, err := migrationCollection.Run(db, "init")
		if err != nil {
			log.Fatal(errors.Wrap(err, "Could not init migrations"))
		}
	}

	err = migrationCollection.DiscoverSQLMigrations(*migrationDir)
	if err != nil {
		log.Fatal(errors.Wrap(err, "Failed to read migrations"))
	}

	oldVersion, newVersion, err := migrationCollection.Run(db, *direction)
	if err != nil {
		log.Fatal(errors.Wrapf(err, "Could not run migrations %q", *direction))
	}
	log.Infof("migrated successfully from version %d to %d", oldVersion, newVersion)
}
