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

package connectivity

import (
	"github.com/go-pg/pg"
	"github.com/pkg/errors"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/chain"
	"github.com/insolar/gatekeeper/internal/dbconn"
	"github.com/insolar/gatekeeper/internal/notify"
	"github.com/insolar/gatekeeper/internal/telegram"
	"github.com/insolar/gatekeeper/observability"
)

// Make opens every outbound connection. The chain adapter is created but
// not dialled; the bot and NATS are optional and stay nil when not
// configured.
func Make(cfg *configuration.Configuration, obs *observability.Observability) *Connectivity {
	log := obs.Log()
	c := &Connectivity{
		pg: func() *pg.DB {
			db, err := dbconn.Connect(cfg.DB)
			if err != nil {
				log.Fatal(err.Error())
			}
			return db
		}(),
		chain: func() *chain.Adapter {
			adapter, err := chain.NewAdapter(cfg.Chain, obs)
			if err != nil {
				log.Fatal(errors.Wrap(err, "failed to create chain adapter"))
			}
			return adapter
		}(),
	}

	if cfg.Telegram.Token == "" {
		log.Warn("telegram token is empty, moderation runs in dry-run mode")
	} else {
		bot, err := telegram.NewBot(cfg.Telegram)
		if err != nil {
			log.Fatal(errors.Wrap(err, "failed to connect to telegram"))
		}
		c.bot = bot
	}

	if cfg.Notify.NATSURL != "" {
		nc, err := notify.NewNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			log.WithError(err).Error("failed to connect to nats, notifications are published to the log only")
		} else {
			c.nats = nc
		}
	}
	return c
}

type Connectivity struct {
	pg    *pg.DB
	chain *chain.Adapter
	bot   telegram.Bot
	nats  *notify.NATS
}

func (c *Connectivity) PG() *pg.DB {
	return c.pg
}

func (c *Connectivity) Chain() *chain.Adapter {
	return c.chain
}

// Bot is nil when no token is configured.
func (c *Connectivity) Bot() telegram.Bot {
	return c.bot
}

func (c *Connectivity) NATS() *notify.NATS {
	return c.nats
}
