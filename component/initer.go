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

package component

import (
	"context"
	"time"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/connectivity"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/audit"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/enforce"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/flow"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/gate"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/jobs"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/postgres"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/verify"
	"github.com/insolar/gatekeeper/internal/notify"
	"github.com/insolar/gatekeeper/internal/telegram"
	"github.com/insolar/gatekeeper/observability"
)

// app is the wired domain graph of one process.
type app struct {
	store    gatekeeper.Store
	sessions *verify.Service
	worker   *verify.Worker
	pipeline *pipeline.Pipeline
	flows    *flow.Store
	tasks    []scheduled
}

type scheduled struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) bool
}

func every(job jobs.Job, interval time.Duration) scheduled {
	return scheduled{name: job.Name(), interval: interval, run: job.Run}
}

func makeApp(cfg *configuration.Configuration, obs *observability.Observability, conn *connectivity.Connectivity) *app {
	log := obs.Log()
	store := postgres.NewStore(obs, conn.PG())
	recorder := audit.NewRecorder(obs, store)
	adapter := conn.Chain()

	sinks := notify.Multi{notify.NewLog(log)}
	var moderator enforce.Moderator = enforce.NewDryRun(log)
	if bot := conn.Bot(); bot != nil {
		moderator = telegram.NewModerator(bot, log)
		sinks = append(sinks, telegram.NewNotifier(bot))
	}
	if nc := conn.NATS(); nc != nil {
		sinks = append(sinks, nc)
	}

	evaluator := gate.NewEvaluator(obs, adapter, store, recorder)
	actuator := enforce.NewActuator(obs, moderator, store, recorder, sinks)
	checks := pipeline.New(obs, store, evaluator, actuator, adapter, sinks)
	sessions := verify.NewService(cfg.Verify, obs, store, adapter, recorder)
	worker := verify.NewWorker(obs, sessions, store, adapter, checks, recorder, sinks)
	flows := flow.NewStore(cfg.API.FlowTTL)

	return &app{
		store:    store,
		sessions: sessions,
		worker:   worker,
		pipeline: checks,
		flows:    flows,
		tasks: []scheduled{
			{name: "verify_worker", interval: cfg.Verify.WorkerInterval, run: worker.Cycle},
			every(jobs.NewRecheck(obs, store, evaluator, actuator, recorder), cfg.Jobs.RecheckInterval),
			every(jobs.NewGraceExpiry(obs, store, evaluator, actuator, recorder), cfg.Jobs.GraceInterval),
			every(jobs.NewCleanup(obs, sessions, flows), cfg.Jobs.CleanupInterval),
		},
	}
}
