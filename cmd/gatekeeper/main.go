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

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/component"
)

var stop = make(chan os.Signal, 1)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	logrus.Infof("gatekeeper version=%s", Version)
	manager := component.Prepare()
	manager.Start()
	graceful(manager.Stop)
}

func graceful(that func()) {
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logrus.Info("gracefully stopping...")
	that()
}
