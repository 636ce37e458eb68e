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
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATS publishes notifications as JSON on <subject>.<kind> for consumers
// outside the process (dashboards, other bots).
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatekeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return &NATS{conn: nc, subject: subject}, nil
}

func (p *NATS) Subject(kind Kind) string {
	return p.subject + "." + string(kind)
}

func (p *NATS) Notify(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}
	return errors.Wrap(p.conn.Publish(p.Subject(n.Kind), data), "failed to publish notification")
}

func (p *NATS) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return errors.Wrap(err, "failed to drain NATS connection")
	}
	return nil
}
