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
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/observability"
)

// HealthFunc reports why the service is unhealthy, nil when it is fine.
type HealthFunc func() error

func NewRouter(cfg *configuration.Configuration, obs *observability.Observability, health HealthFunc) *Router {
	router := httprouter.New()
	hs := &http.Server{Addr: cfg.API.OpsListen, Handler: router}
	r := &Router{
		hs:     hs,
		obs:    obs,
		health: health,
	}
	router.GET("/healthcheck", r.healthCheck)
	router.GET("/metrics", r.metrics)
	return r
}

type Router struct {
	hs     *http.Server
	obs    *observability.Observability
	health HealthFunc
}

func (r *Router) Start() {
	log := r.obs.Log()
	go func() {
		err := r.hs.ListenAndServe()
		if err != http.ErrServerClosed {
			log.Error(errors.Wrapf(err, "http server ListenAndServe"))
		}
	}()
}

func (r *Router) Stop() {
	log := r.obs.Log()

	if err := r.hs.Shutdown(context.Background()); err != nil {
		log.Error(errors.Wrapf(err, "http server shutdown"))
	}
}

func (r *Router) Handler() http.Handler {
	return r.hs.Handler
}

func (r *Router) healthCheck(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	if r.health != nil {
		if err := r.health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "OK")
}

func (r *Router) metrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ops := promhttp.HandlerOpts{
		ErrorLog: r.obs.Log(),
	}
	handler := promhttp.HandlerFor(r.obs.Metrics(), ops)
	handler.ServeHTTP(w, req)
}
