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

package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/observability"
)

type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Sweeper evicts expired in-memory state.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Cleanup expires overdue verification sessions and sweeps conversational
// state of the chat layer.
type Cleanup struct {
	sessions SessionExpirer
	sweepers []Sweeper
	log      *logrus.Entry
	metrics  *metrics
	now      func() time.Time
	running  int32
}

func NewCleanup(obs *observability.Observability, sessions SessionExpirer, sweepers ...Sweeper) *Cleanup {
	return &Cleanup{
		sessions: sessions,
		sweepers: sweepers,
		log:      obs.Log().WithField("job", "cleanup"),
		metrics:  newMetrics(obs),
		now:      time.Now,
	}
}

func (j *Cleanup) Name() string {
	return "cleanup"
}

func (j *Cleanup) Run(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		j.metrics.skips.WithLabelValues(j.Name()).Inc()
		return false
	}
	defer atomic.StoreInt32(&j.running, 0)
	defer j.metrics.runs.WithLabelValues(j.Name()).Inc()

	expired, err := j.sessions.ExpireStale(ctx)
	if err != nil {
		j.metrics.errors.WithLabelValues(j.Name()).Inc()
		j.log.WithError(err).Error("failed to expire sessions")
	}
	swept := 0
	for _, s := range j.sweepers {
		swept += s.Sweep(j.now())
	}
	j.metrics.touched.WithLabelValues(j.Name()).Add(float64(expired + swept))
	if expired+swept > 0 {
		j.log.WithFields(logrus.Fields{
			"sessions": expired,
			"flows":    swept,
		}).Info("cleanup done")
	}
	return true
}
