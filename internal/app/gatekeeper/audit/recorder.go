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

package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/observability"
)

// Recorder appends audit entries on a best effort basis: a failed write is
// logged and counted, never returned to the caller.
type Recorder struct {
	store    gatekeeper.AuditStorage
	log      *logrus.Logger
	written  *prometheus.CounterVec
	failures prometheus.Counter
	now      func() time.Time
}

func NewRecorder(obs *observability.Observability, store gatekeeper.AuditStorage) *Recorder {
	return &Recorder{
		store: store,
		log:   obs.Log(),
		written: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_audit_entries_total",
			Help: "Audit entries written by type.",
		}, "type"),
		failures: obs.Counter(prometheus.CounterOpts{
			Name: "gatekeeper_audit_write_errors_total",
			Help: "Audit entries lost because the store rejected them.",
		}),
		now: time.Now,
	}
}

func (r *Recorder) Record(ctx context.Context, typ gatekeeper.AuditType, groupID, userID int64, payload gatekeeper.Payload) {
	entry := &gatekeeper.AuditEntry{
		GroupID:   groupID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.failures.Inc()
		r.log.WithFields(logrus.Fields{
			"group_id": groupID,
			"user_id":  userID,
			"type":     typ,
		}).WithError(err).Error("failed to write audit entry")
		return
	}
	r.written.WithLabelValues(string(typ)).Inc()
}
