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
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	ConfigName     = "gatekeeper"
	ConfigType     = "yaml"
	ConfigFilePath = ConfigName + "." + ConfigType
	EnvPrefix      = "gatekeeper"
)

var passwordRe = regexp.MustCompile(`^(?P<start>.*)(:(?P<pass>[^@\/:?]+)@)(?P<end>.*)$`)

// Load reads gatekeeper.yaml from the working directory (or .artifacts) and
// applies GATEKEEPER_* environment overrides. Defaults are used when the file
// is missing or broken.
func Load(log *logrus.Logger) *Configuration {
	printWorkingDir(log)
	actual := load(log)
	printConfig(log, actual)
	return actual
}

func load(log *logrus.Logger) *Configuration {
	v := viper.New()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)

	v.SetConfigName(ConfigName)
	v.SetConfigType(ConfigType)
	v.AddConfigPath(".")
	v.AddConfigPath(".artifacts")

	// AutomaticEnv only sees keys viper already knows about.
	bindDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warnf("config file not found (file=%v). Default configuration and environment are used", ConfigFilePath)
		} else {
			log.Error(errors.Wrapf(err, "failed to load config. Default configuration is used"))
			return Default()
		}
	}

	actual := &Configuration{}
	err := v.Unmarshal(actual)
	if err != nil {
		log.Error(errors.Wrapf(err, "failed to unmarshal config into configuration structure. Default configuration is used"))
		return Default()
	}

	return actual
}

func bindDefaults(v *viper.Viper, cfg *Configuration) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return
	}
	setDefaults(v, "", tree)
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[interface{}]interface{}); ok {
			sub := make(map[string]interface{}, len(nested))
			for nk, nv := range nested {
				if s, ok := nk.(string); ok {
					sub[s] = nv
				}
			}
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func printWorkingDir(log *logrus.Logger) {
	wd, _ := os.Getwd()
	log.Infof("Working dir: %s", wd)
}

func printConfig(log *logrus.Logger, c *Configuration) {
	cc := cleanSecrets(c)
	out, err := yaml.Marshal(cc)
	if err != nil {
		log.Error(errors.Wrapf(err, "failed to marshal config structure"))
		return
	}
	log.Infof("Loaded configuration: \n %s \n", string(out))
}

func cleanSecrets(c *Configuration) *Configuration {
	cc := *c
	cc.DB.URL = replacePassword(cc.DB.URL)
	cc.Notify.NATSURL = replacePassword(cc.Notify.NATSURL)
	if cc.Telegram.Token != "" {
		cc.Telegram.Token = "<masked>"
	}
	return &cc
}

func replacePassword(url string) string {
	result := []byte{}
	if passwordRe.MatchString(url) {
		for _, submatches := range passwordRe.FindAllStringSubmatchIndex(url, -1) {
			result = passwordRe.ExpandString(result, `$start:<masked>@$end`, url, submatches)
		}
		return string(result)
	}
	return url
}
