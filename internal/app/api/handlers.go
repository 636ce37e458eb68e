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
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/insolar/gatekeeper/internal/app/gatekeeper"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/flow"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/pipeline"
	"github.com/insolar/gatekeeper/internal/app/gatekeeper/verify"
	"github.com/insolar/gatekeeper/internal/chain"
)

const internalErrorMessage = "internal error, try again later"

type SessionRequest struct {
	UserID  int64  `json:"user_id"`
	GroupID int64  `json:"group_id"`
	Address string `json:"address"`
}

type SessionResponse struct {
	ID                  string    `json:"id"`
	UserID              int64     `json:"user_id"`
	GroupID             int64     `json:"group_id"`
	ClaimedAddress      string    `json:"claimed_address"`
	VerificationAddress string    `json:"verification_address"`
	AmountSat           int64     `json:"amount_sat"`
	Status              string    `json:"status"`
	ExpiresAt           time.Time `json:"expires_at"`
}

type GateCheckRequest struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
}

type GateCheckResponse struct {
	Pass          bool   `json:"pass"`
	GateType      string `json:"gate_type"`
	TokenCategory string `json:"token_category"`
	Address       string `json:"address"`
	Balance       string `json:"balance"`
	Threshold     string `json:"threshold"`
	State         string `json:"state"`
	Previous      string `json:"previous_state"`
	Action        string `json:"action,omitempty"`
	ActionSuccess *bool  `json:"action_success,omitempty"`
}

type FlowRequest struct {
	Name string            `json:"name"`
	Step string            `json:"step"`
	Data map[string]string `json:"data"`
}

type FlowResponse struct {
	UserID    int64             `json:"user_id"`
	Name      string            `json:"name"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (s *Server) CreateSession(ctx echo.Context) error {
	req := SessionRequest{}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError("invalid request body"))
	}
	var problems []string
	if req.UserID == 0 {
		problems = append(problems, "user_id is required")
	}
	if req.GroupID == 0 {
		problems = append(problems, "group_id is required")
	}
	if req.Address == "" {
		problems = append(problems, "address is required")
	}
	if len(problems) > 0 {
		return ctx.JSON(http.StatusBadRequest, NewErrorMessage(problems...))
	}

	vs, err := s.sessions.CreateSession(ctx.Request().Context(), req.UserID, req.GroupID, req.Address)
	if err != nil {
		return s.replyError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, SessionResponse{
		ID:                  vs.ID,
		UserID:              vs.UserID,
		GroupID:             vs.GroupID,
		ClaimedAddress:      vs.ClaimedAddress,
		VerificationAddress: vs.VerificationAddress,
		AmountSat:           vs.AmountSat,
		Status:              string(vs.Status),
		ExpiresAt:           vs.ExpiresAt,
	})
}

func (s *Server) GateCheck(ctx echo.Context) error {
	req := GateCheckRequest{}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError("invalid request body"))
	}
	if req.UserID == 0 || req.GroupID == 0 {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError("user_id and group_id are required"))
	}

	res, err := s.gates.ProcessGateCheck(ctx.Request().Context(), req.UserID, req.GroupID)
	if err != nil {
		return s.replyError(ctx, err)
	}
	ev := res.Evaluation
	resp := GateCheckResponse{
		Pass:          ev.Pass,
		GateType:      string(ev.GateType),
		TokenCategory: ev.TokenCategory,
		Address:       ev.Address,
		Balance:       ev.Balance,
		Threshold:     ev.Threshold,
		State:         string(res.Membership.State),
		Previous:      string(res.Previous),
	}
	if res.Enforcement != nil {
		resp.Action = string(res.Enforcement.Action)
		success := res.Enforcement.Success
		resp.ActionSuccess = &success
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (s *Server) UserGateChecks(ctx echo.Context) error {
	userID, err := userParam(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError(err.Error()))
	}
	summary := s.gates.ProcessUserGateChecks(ctx.Request().Context(), userID)
	return ctx.JSON(http.StatusOK, summary)
}

func (s *Server) GetFlow(ctx echo.Context) error {
	userID, err := userParam(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError(err.Error()))
	}
	f, err := s.flows.Get(userID)
	if err != nil {
		return ctx.JSON(http.StatusNotFound, NewSingleMessageError("no active flow"))
	}
	return ctx.JSON(http.StatusOK, flowResponse(f))
}

// PutFlow starts a flow when the user has none and advances it otherwise.
func (s *Server) PutFlow(ctx echo.Context) error {
	userID, err := userParam(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError(err.Error()))
	}
	req := FlowRequest{}
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError("invalid request body"))
	}

	f, err := s.flows.Update(userID, req.Step, req.Data)
	if errors.Cause(err) == flow.ErrNotFound {
		if req.Name == "" {
			return ctx.JSON(http.StatusBadRequest, NewSingleMessageError("name is required to start a flow"))
		}
		f = s.flows.Create(userID, req.Name, req.Step, req.Data)
		return ctx.JSON(http.StatusCreated, flowResponse(f))
	}
	if err != nil {
		return s.replyError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, flowResponse(f))
}

func (s *Server) DeleteFlow(ctx echo.Context) error {
	userID, err := userParam(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError(err.Error()))
	}
	s.flows.Delete(userID)
	return ctx.NoContent(http.StatusNoContent)
}

func (s *Server) replyError(ctx echo.Context, err error) error {
	cause := errors.Cause(err)
	switch {
	case chain.IsValidation(err):
		return ctx.JSON(http.StatusBadRequest, NewSingleMessageError(cause.Error()))
	case cause == gatekeeper.ErrNotFound:
		return ctx.JSON(http.StatusNotFound, NewSingleMessageError("not found"))
	case cause == verify.ErrTooManySessions:
		return ctx.JSON(http.StatusTooManyRequests, NewSingleMessageError(cause.Error()))
	case cause == gatekeeper.ErrGateNotConfigured,
		cause == gatekeeper.ErrNoVerifiedAddress,
		cause == pipeline.ErrGroupInactive:
		return ctx.JSON(http.StatusConflict, NewSingleMessageError(cause.Error()))
	}
	s.log.WithField("path", ctx.Path()).Error(err)
	return ctx.JSON(http.StatusInternalServerError, NewSingleMessageError(internalErrorMessage))
}

func userParam(ctx echo.Context) (int64, error) {
	id, err := strconv.ParseInt(ctx.Param("user"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("user must be a non-zero integer")
	}
	return id, nil
}

func flowResponse(f *flow.Flow) FlowResponse {
	return FlowResponse{
		UserID:    f.UserID,
		Name:      f.Name,
		Step:      f.Step,
		Data:      f.Data,
		ExpiresAt: f.ExpiresAt,
	}
}
