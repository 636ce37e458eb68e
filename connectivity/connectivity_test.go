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
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/observability"
)

func TestConnectivity_Defaults(t *testing.T) {
	conn := Make(configuration.Default(), observability.New(logrus.New()))
	defer conn.PG().Close()

	require.NotNil(t, conn.PG())
	require.NotNil(t, conn.Chain())
	assert.Nil(t, conn.Bot())
	assert.Nil(t, conn.NATS())
}

func TestConnectivity_NATSUnreachable(t *testing.T) {
	cfg := configuration.Default()
	cfg.Notify.NATSURL = "nats://127.0.0.1:1"
	conn := Make(cfg, observability.New(logrus.New()))
	defer conn.PG().Close()

	assert.Nil(t, conn.NATS())
}
