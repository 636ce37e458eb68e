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

package configuration

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/pkg/cycle"
)

type Configuration struct {
	Log      Log
	DB       DB
	Chain    Chain
	Verify   Verify
	Jobs     Jobs
	API      API
	Telegram Telegram
	Notify   Notify
}

type Log struct {
	Level  string
	Format string
}

type DB struct {
	URL      string
	PoolSize int
	Attempts cycle.Limit
	// Interval between store in db failed attempts
	AttemptInterval time.Duration
}

type Chain struct {
	// Indexer websocket endpoint, e.g. wss://bch.imaginary.cash:50004
	URL string
	// One of mainnet, testnet3, testnet4, chipnet. Selects the expected genesis hash.
	Network        string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	// Transport failures only, protocol errors are never retried.
	CallRetries    cycle.Limit
	CallRetryDelay time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int

	RawTxTTL          time.Duration
	UtxoTTL           time.Duration
	HistoryTTL        time.Duration
	CacheSize         int
	ParsedTxCacheSize int
}

type Verify struct {
	SessionTTL     time.Duration
	WorkerInterval time.Duration
	// Random draws before falling back to a scan of the whole amount range.
	MaxAmountAttempts int
}

type Jobs struct {
	RecheckInterval time.Duration
	GraceInterval   time.Duration
	CleanupInterval time.Duration
}

type API struct {
	Listen string
	// Health check and prometheus metrics.
	OpsListen string
	// Idle lifetime of a chat wizard flow.
	FlowTTL time.Duration
}

type Telegram struct {
	Token string
	// Empty means the public Bot API.
	APIEndpoint string
}

type Notify struct {
	// Empty disables NATS notifications.
	NATSURL string
	Subject string
}

func Default() *Configuration {
	return &Configuration{
		Log: Log{
			Level:  logrus.InfoLevel.String(),
			Format: "text",
		},
		DB: DB{
			URL:             "postgres://postgres@localhost/gatekeeper?sslmode=disable",
			PoolSize:        20,
			Attempts:        5,
			AttemptInterval: 3 * time.Second,
		},
		Chain: Chain{
			URL:                  "wss://bch.imaginary.cash:50004",
			Network:              "mainnet",
			ConnectTimeout:       15 * time.Second,
			CallTimeout:          30 * time.Second,
			CallRetries:          3,
			CallRetryDelay:       time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxAttempts: 10,
			RawTxTTL:             time.Hour,
			UtxoTTL:              30 * time.Second,
			HistoryTTL:           15 * time.Second,
			CacheSize:            10000,
			ParsedTxCacheSize:    5000,
		},
		Verify: Verify{
			SessionTTL:        15 * time.Minute,
			WorkerInterval:    20 * time.Second,
			MaxAmountAttempts: 50,
		},
		Jobs: Jobs{
			RecheckInterval: 10 * time.Minute,
			GraceInterval:   time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		API: API{
			Listen:    ":8080",
			OpsListen: ":8081",
			FlowTTL:   30 * time.Minute,
		},
		Notify: Notify{
			Subject: "gatekeeper",
		},
	}
}
