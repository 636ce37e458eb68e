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

package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindEnforced       Kind = "enforced"
	KindGraceStarted   Kind = "grace_started"
	KindVerified       Kind = "verified"
	KindVerifyFailed   Kind = "verify_failed"
	KindGateRecovered  Kind = "gate_recovered"
	KindEnforceFailure Kind = "enforce_failed"
)

// Notification is a user facing event. Sinks decide how to deliver it.
type Notification struct {
	Kind      Kind      `json:"kind"`
	UserID    int64     `json:"user_id"`
	GroupID   int64     `json:"group_id"`
	Action    string    `json:"action,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi delivers to every sink and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Log writes notifications to the log, used when no delivery channel is
// configured.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	l.log.WithFields(logrus.Fields{
		"kind":     n.Kind,
		"user_id":  n.UserID,
		"group_id": n.GroupID,
		"action":   n.Action,
	}).Info(n.Message)
	return nil
}

// Send delivers n with a deadline and only logs failures. Notifications
// never affect the outcome of the operation that produced them.
func Send(ctx context.Context, sink Sink, log logrus.FieldLogger, timeout time.Duration, n Notification) {
	if sink == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sink.Notify(ctx, n); err != nil {
		log.WithFields(logrus.Fields{
			"kind":     n.Kind,
			"user_id":  n.UserID,
			"group_id": n.GroupID,
		}).WithError(err).Warn("failed to deliver notification")
	}
}
