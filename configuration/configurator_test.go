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
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func Test_replacePassword(t *testing.T) {
	const password = "super_secret_password"
	const with = "postgresql://gatekeeper:" + password + "@127.0.0.1:5432/gatekeeper?sslmode=disable"
	const without = "postgres://postgres@localhost/postgres?sslmode=disable"

	t.Run("replaced", func(t *testing.T) {
		require.Contains(t, with, password)
		require.NotContains(t, replacePassword(with), password)
	})

	t.Run("not_replaced", func(t *testing.T) {
		require.NotContains(t, without, password)
		require.Equal(t, without, replacePassword(without))
	})
}

func Test_cleanSecrets(t *testing.T) {
	cfg := Default()
	cfg.DB.URL = "postgres://gk:hunter2@db/gk"
	cfg.Telegram.Token = "123:abc"

	cc := cleanSecrets(cfg)
	require.NotContains(t, cc.DB.URL, "hunter2")
	require.Equal(t, "<masked>", cc.Telegram.Token)
	// original untouched
	require.Equal(t, "123:abc", cfg.Telegram.Token)
}

func TestLoad(t *testing.T) {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)

	dir, err := ioutil.TempDir("", "gatekeeper-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	t.Run("defaults", func(t *testing.T) {
		cfg := Load(log)
		require.Equal(t, Default(), cfg)
	})

	t.Run("file_and_env", func(t *testing.T) {
		content := []byte("chain:\n  network: chipnet\n  calltimeout: 5s\njobs:\n  graceinterval: 30s\n")
		require.NoError(t, ioutil.WriteFile(ConfigFilePath, content, 0600))
		defer os.Remove(ConfigFilePath)

		require.NoError(t, os.Setenv("GATEKEEPER_API_LISTEN", ":9999"))
		defer os.Unsetenv("GATEKEEPER_API_LISTEN")

		cfg := Load(log)
		require.Equal(t, "chipnet", cfg.Chain.Network)
		require.Equal(t, 5*time.Second, cfg.Chain.CallTimeout)
		require.Equal(t, 30*time.Second, cfg.Jobs.GraceInterval)
		require.Equal(t, ":9999", cfg.API.Listen)
		require.Equal(t, Default().Verify, cfg.Verify)
	})
}
