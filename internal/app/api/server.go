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

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/insolar/gatekeeper/configuration"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/flow"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/observability"
)

type Sessions interface {
	CreateSession(ctx context.Context, userID, groupID int64, claimedAddress string) (*gatekeeper.VerifySession, error)
}

type GateChecks interface {
	ProcessGateCheck(ctx context.Context, userID, groupID int64) (*pipeline.CheckResult, error)
	ProcessUserGateChecks(ctx context.Context, userID int64) pipeline.Summary
}

// Server exposes the entry points of the chat command layer.
type Server struct {
	echo     *echo.Echo
	addr     string
	sessions Sessions
	gates    GateChecks
	flows    *flow.Store
	log      *logrus.Logger
	requests *prometheus.CounterVec
}

func NewServer(
	cfg configuration.API,
	obs *observability.Observability,
	sessions Sessions,
	gates GateChecks,
	flows *flow.Store,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		addr:     cfg.Listen,
		sessions: sessions,
		gates:    gates,
		flows:    flows,
		log:      obs.Log(),
		requests: obs.CounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_api_requests_total",
			Help: "API requests by route and status code.",
		}, "route", "code"),
	}
	e.Use(middleware.Recover())
	e.Use(s.logRequests)
	RegisterHandlers(e, s)
	return s
}

func RegisterHandlers(e *echo.Echo, s *Server) {
	g := e.Group("/api/v1")
	g.POST("/sessions", s.CreateSession)
	g.POST("/gate-checks", s.GateCheck)
	g.POST("/users/:user/gate-checks", s.UserGateChecks)
	g.GET("/flows/:user", s.GetFlow)
	g.PUT("/flows/:user", s.PutFlow)
	g.DELETE("/flows/:user", s.DeleteFlow)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() {
	go func() {
		s.log.Infof("api listens on %s", s.addr)
		err := s.echo.Start(s.addr)
		if err != nil && err != http.ErrServerClosed {
			s.log.Error(errors.Wrap(err, "api server stopped"))
		}
	}()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error(errors.Wrap(err, "api server shutdown"))
	}
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		code := c.Response().Status
		s.requests.WithLabelValues(c.Path(), strconv.Itoa(code)).Inc()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request().Method,
			"path":    c.Request().URL.Path,
			"status":  code,
			"elapsed": time.Since(start).String(),
		}).Debug("api request")
		return nil
	}
}
